package bootstrap

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// WorkflowName is the registered name of the bootstrap workflow.
const WorkflowName = "OrganizationBootstrap"

// forwardOptions bound each forward activity. Schedule-to-close caps total
// retrying; after that the workflow sees a terminal failure and compensates.
func forwardOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout:    2 * time.Minute,
		ScheduleToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
			NonRetryableErrorTypes: []string{
				ErrTypeDuplicateSlug,
				ErrTypeInconsistentState,
				ErrTypeProviderRejected,
				ErrTypeDNSNotResolved,
			},
		},
	}
}

// verifyOptions give the DNS verification activity room for its internal
// polling loop.
func verifyOptions(timeout time.Duration) workflow.ActivityOptions {
	opts := forwardOptions()
	opts.StartToCloseTimeout = timeout + time.Minute
	opts.ScheduleToCloseTimeout = 2 * (timeout + time.Minute)
	opts.RetryPolicy.MaximumAttempts = 2
	opts.HeartbeatTimeout = time.Minute
	return opts
}

// compensationOptions are more patient: compensation must land even when the
// world is unhealthy, and there is no compensation for failed compensation.
func compensationOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout:    2 * time.Minute,
		ScheduleToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
}

// OrganizationBootstrap is the saga. Deterministic: every id and token is
// fixed in a side effect before the first activity, all I/O happens in
// activities, and compensation runs the recorded steps in reverse on any
// failure, including cancellation.
func OrganizationBootstrap(ctx workflow.Context, req Request) (res *Result, err error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	if err := req.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid bootstrap request", "Validation", err)
	}

	var plan Plan
	if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return BuildPlan(req)
	}).Get(&plan); err != nil {
		return nil, err
	}

	// The activity reads the configured verification timeout; the workflow
	// only needs a deterministic outer bound for its options.
	verifyTimeout := 5 * time.Minute

	var compensations []func(workflow.Context) error
	defer func() {
		if err == nil {
			return
		}
		// Compensation runs even when the failure is a cancellation, so it
		// needs a context detached from the cancelled one.
		dctx, cancel := workflow.NewDisconnectedContext(ctx)
		defer cancel()
		dctx = workflow.WithActivityOptions(dctx, compensationOptions())
		for i := len(compensations) - 1; i >= 0; i-- {
			if cerr := compensations[i](dctx); cerr != nil {
				logger.Error("compensation step failed, continuing", "error", cerr)
			}
		}
	}()

	ctx = workflow.WithActivityOptions(ctx, forwardOptions())

	var orgID string
	if err = workflow.ExecuteActivity(ctx, a.CreateOrganization, req, plan).Get(ctx, &orgID); err != nil {
		return nil, err
	}
	compensations = append(compensations,
		func(c workflow.Context) error {
			return workflow.ExecuteActivity(c, a.DeactivateOrganization, req, orgID).Get(c, nil)
		},
		func(c workflow.Context) error {
			return workflow.ExecuteActivity(c, a.DeleteContacts, req, orgID).Get(c, nil)
		},
		func(c workflow.Context) error {
			return workflow.ExecuteActivity(c, a.DeleteAddresses, req, orgID).Get(c, nil)
		},
		func(c workflow.Context) error {
			return workflow.ExecuteActivity(c, a.DeletePhones, req, orgID).Get(c, nil)
		},
	)

	if req.RequiresSubdomain() {
		if err = workflow.ExecuteActivity(ctx, a.ConfigureDNS, req, orgID).Get(ctx, nil); err != nil {
			return nil, err
		}
		compensations = append(compensations, func(c workflow.Context) error {
			return workflow.ExecuteActivity(c, a.RemoveDNS, req, orgID).Get(c, nil)
		})

		vctx := workflow.WithActivityOptions(ctx, verifyOptions(verifyTimeout))
		if err = workflow.ExecuteActivity(vctx, a.VerifyDNS, req, orgID).Get(vctx, nil); err != nil {
			return nil, err
		}
	}

	if err = workflow.ExecuteActivity(ctx, a.GenerateInvitations, req, plan).Get(ctx, nil); err != nil {
		return nil, err
	}
	compensations = append(compensations, func(c workflow.Context) error {
		return workflow.ExecuteActivity(c, a.RevokeInvitations, req, orgID).Get(c, nil)
	})

	var sent int
	if err = workflow.ExecuteActivity(ctx, a.SendInvitationEmails, req, plan).Get(ctx, &sent); err != nil {
		return nil, err
	}

	if err = workflow.ExecuteActivity(ctx, a.ActivateOrganization, req, orgID).Get(ctx, nil); err != nil {
		return nil, err
	}

	if err = workflow.ExecuteActivity(ctx, a.MarkBootstrapCompleted, req, orgID).Get(ctx, nil); err != nil {
		return nil, err
	}

	return &Result{
		OrganizationID:  orgID,
		Slug:            req.Slug,
		Subdomain:       req.Subdomain,
		InvitationsSent: sent,
	}, nil
}
