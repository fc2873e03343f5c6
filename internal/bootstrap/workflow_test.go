package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

func newWorkflowEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(OrganizationBootstrap, workflow.RegisterOptions{Name: WorkflowName})
	return env
}

func TestBootstrapHappyPath(t *testing.T) {
	env := newWorkflowEnv(t)
	var a *Activities
	req := validRequest()

	env.OnActivity(a.CreateOrganization, mock.Anything, mock.Anything, mock.Anything).
		Return("org-1", nil).Once()
	env.OnActivity(a.ConfigureDNS, mock.Anything, mock.Anything, "org-1").
		Return(nil).Once()
	env.OnActivity(a.VerifyDNS, mock.Anything, mock.Anything, "org-1").
		Return(nil).Once()
	env.OnActivity(a.GenerateInvitations, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()
	env.OnActivity(a.SendInvitationEmails, mock.Anything, mock.Anything, mock.Anything).
		Return(1, nil).Once()
	env.OnActivity(a.ActivateOrganization, mock.Anything, mock.Anything, "org-1").
		Return(nil).Once()
	env.OnActivity(a.MarkBootstrapCompleted, mock.Anything, mock.Anything, "org-1").
		Return(nil).Once()

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "org-1", res.OrganizationID)
	assert.Equal(t, req.Slug, res.Slug)
	assert.Equal(t, req.Subdomain, res.Subdomain)
	assert.Equal(t, 1, res.InvitationsSent)
	env.AssertExpectations(t)
}

func TestBootstrapSkipsDNSWithoutSubdomain(t *testing.T) {
	env := newWorkflowEnv(t)
	var a *Activities

	req := validRequest()
	req.Type = OrgTypeProviderPartner
	req.PartnerType = "billing"
	req.Subdomain = ""

	env.OnActivity(a.CreateOrganization, mock.Anything, mock.Anything, mock.Anything).
		Return("org-2", nil).Once()
	env.OnActivity(a.GenerateInvitations, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()
	env.OnActivity(a.SendInvitationEmails, mock.Anything, mock.Anything, mock.Anything).
		Return(1, nil).Once()
	env.OnActivity(a.ActivateOrganization, mock.Anything, mock.Anything, "org-2").
		Return(nil).Once()
	env.OnActivity(a.MarkBootstrapCompleted, mock.Anything, mock.Anything, "org-2").
		Return(nil).Once()

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertNotCalled(t, "ConfigureDNS", mock.Anything, mock.Anything, mock.Anything)
	env.AssertNotCalled(t, "VerifyDNS", mock.Anything, mock.Anything, mock.Anything)
	env.AssertExpectations(t)
}

func TestBootstrapRejectsInvalidRequest(t *testing.T) {
	env := newWorkflowEnv(t)

	req := validRequest()
	req.Slug = "Not A Slug"

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func TestBootstrapCompensatesInReverseOrderOnDNSFailure(t *testing.T) {
	env := newWorkflowEnv(t)
	var a *Activities
	req := validRequest()

	var order []string
	record := func(step string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, step) }
	}

	env.OnActivity(a.CreateOrganization, mock.Anything, mock.Anything, mock.Anything).
		Return("org-3", nil).Once()
	env.OnActivity(a.ConfigureDNS, mock.Anything, mock.Anything, "org-3").
		Return(nil).Once()
	env.OnActivity(a.VerifyDNS, mock.Anything, mock.Anything, "org-3").
		Return(temporal.NewNonRetryableApplicationError("cname never resolved", ErrTypeDNSNotResolved, nil)).Once()

	env.OnActivity(a.RemoveDNS, mock.Anything, mock.Anything, "org-3").
		Run(record("remove_dns")).Return(nil).Once()
	env.OnActivity(a.DeletePhones, mock.Anything, mock.Anything, "org-3").
		Run(record("delete_phones")).Return(nil).Once()
	env.OnActivity(a.DeleteAddresses, mock.Anything, mock.Anything, "org-3").
		Run(record("delete_addresses")).Return(nil).Once()
	env.OnActivity(a.DeleteContacts, mock.Anything, mock.Anything, "org-3").
		Run(record("delete_contacts")).Return(nil).Once()
	env.OnActivity(a.DeactivateOrganization, mock.Anything, mock.Anything, "org-3").
		Run(record("deactivate_organization")).Return(nil).Once()

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, []string{
		"remove_dns",
		"delete_phones",
		"delete_addresses",
		"delete_contacts",
		"deactivate_organization",
	}, order)
	env.AssertExpectations(t)
}

func TestBootstrapRevokesInvitationsWhenEmailSendFails(t *testing.T) {
	env := newWorkflowEnv(t)
	var a *Activities
	req := validRequest()

	var order []string
	record := func(step string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, step) }
	}

	env.OnActivity(a.CreateOrganization, mock.Anything, mock.Anything, mock.Anything).
		Return("org-4", nil).Once()
	env.OnActivity(a.ConfigureDNS, mock.Anything, mock.Anything, "org-4").
		Return(nil).Once()
	env.OnActivity(a.VerifyDNS, mock.Anything, mock.Anything, "org-4").
		Return(nil).Once()
	env.OnActivity(a.GenerateInvitations, mock.Anything, mock.Anything, mock.Anything).
		Return(nil).Once()
	env.OnActivity(a.SendInvitationEmails, mock.Anything, mock.Anything, mock.Anything).
		Return(0, temporal.NewNonRetryableApplicationError("provider rejected sender", ErrTypeProviderRejected, nil)).Once()

	env.OnActivity(a.RevokeInvitations, mock.Anything, mock.Anything, "org-4").
		Run(record("revoke_invitations")).Return(nil).Once()
	env.OnActivity(a.RemoveDNS, mock.Anything, mock.Anything, "org-4").
		Run(record("remove_dns")).Return(nil).Once()
	env.OnActivity(a.DeletePhones, mock.Anything, mock.Anything, "org-4").
		Run(record("delete_phones")).Return(nil).Once()
	env.OnActivity(a.DeleteAddresses, mock.Anything, mock.Anything, "org-4").
		Run(record("delete_addresses")).Return(nil).Once()
	env.OnActivity(a.DeleteContacts, mock.Anything, mock.Anything, "org-4").
		Run(record("delete_contacts")).Return(nil).Once()
	env.OnActivity(a.DeactivateOrganization, mock.Anything, mock.Anything, "org-4").
		Run(record("deactivate_organization")).Return(nil).Once()

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, []string{
		"revoke_invitations",
		"remove_dns",
		"delete_phones",
		"delete_addresses",
		"delete_contacts",
		"deactivate_organization",
	}, order)
	env.AssertExpectations(t)
}

func TestBootstrapContinuesCompensationPastFailures(t *testing.T) {
	env := newWorkflowEnv(t)
	var a *Activities
	req := validRequest()

	var order []string
	record := func(step string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, step) }
	}

	env.OnActivity(a.CreateOrganization, mock.Anything, mock.Anything, mock.Anything).
		Return("org-5", nil).Once()
	env.OnActivity(a.ConfigureDNS, mock.Anything, mock.Anything, "org-5").
		Return(temporal.NewNonRetryableApplicationError("edge refused the record", ErrTypeProviderRejected, nil)).Once()

	// A failing compensation step must not stop the remaining steps.
	env.OnActivity(a.DeletePhones, mock.Anything, mock.Anything, "org-5").
		Run(record("delete_phones")).
		Return(temporal.NewNonRetryableApplicationError("gone", ErrTypeInconsistentState, nil)).Once()
	env.OnActivity(a.DeleteAddresses, mock.Anything, mock.Anything, "org-5").
		Run(record("delete_addresses")).Return(nil).Once()
	env.OnActivity(a.DeleteContacts, mock.Anything, mock.Anything, "org-5").
		Run(record("delete_contacts")).Return(nil).Once()
	env.OnActivity(a.DeactivateOrganization, mock.Anything, mock.Anything, "org-5").
		Run(record("deactivate_organization")).Return(nil).Once()

	env.ExecuteWorkflow(OrganizationBootstrap, req)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, []string{
		"delete_phones",
		"delete_addresses",
		"delete_contacts",
		"deactivate_organization",
	}, order)
	env.AssertExpectations(t)
}
