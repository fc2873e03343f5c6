package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/platform/pkg/errors"
)

func validRequest() Request {
	return Request{
		Name:      "Meridian Clinic",
		Slug:      "meridian-clinic",
		Type:      OrgTypeProvider,
		Subdomain: "meridian",
		General: Section{
			Contacts:  []Contact{{FirstName: "Ada", LastName: "Reyes", Email: "ada@meridian.example"}},
			Addresses: []Address{{Street: "1 Main St", City: "Austin", State: "TX", Zip: "78701"}},
			Phones:    []Phone{{Number: "+15125550100", Kind: "office"}},
		},
		Billing:       Section{SharedFromGeneral: true},
		ProviderAdmin: Section{SharedFromGeneral: true},
		AdminInvites:  []Invite{{Email: "admin@meridian.example", Role: "org_admin"}},
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		valid  bool
	}{
		{"provider with subdomain", func(*Request) {}, true},
		{"missing name", func(r *Request) { r.Name = "" }, false},
		{"uppercase slug", func(r *Request) { r.Slug = "Meridian" }, false},
		{"slug with trailing hyphen", func(r *Request) { r.Slug = "meridian-" }, false},
		{"unknown type", func(r *Request) { r.Type = "vendor" }, false},
		{"provider without subdomain", func(r *Request) { r.Subdomain = "" }, false},
		{"var partner with subdomain", func(r *Request) {
			r.Type = OrgTypeProviderPartner
			r.PartnerType = PartnerTypeVAR
		}, true},
		{"non-var partner with subdomain", func(r *Request) {
			r.Type = OrgTypeProviderPartner
			r.PartnerType = "billing"
		}, false},
		{"non-var partner without subdomain", func(r *Request) {
			r.Type = OrgTypeProviderPartner
			r.PartnerType = "billing"
			r.Subdomain = ""
		}, true},
		{"platform owner with subdomain", func(r *Request) {
			r.Type = OrgTypePlatformOwner
		}, false},
		{"invite missing role", func(r *Request) {
			r.AdminInvites = []Invite{{Email: "x@example.com"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errors.ErrValidation)
			}
		})
	}
}

func TestRequiresSubdomain(t *testing.T) {
	assert.True(t, (&Request{Type: OrgTypeProvider}).RequiresSubdomain())
	assert.True(t, (&Request{Type: OrgTypeProviderPartner, PartnerType: PartnerTypeVAR}).RequiresSubdomain())
	assert.False(t, (&Request{Type: OrgTypeProviderPartner, PartnerType: "billing"}).RequiresSubdomain())
	assert.False(t, (&Request{Type: OrgTypePlatformOwner}).RequiresSubdomain())
}

func TestBuildPlanAllocatesIdentifiers(t *testing.T) {
	req := validRequest()
	req.Billing = Section{
		Contacts: []Contact{{Email: "billing@meridian.example"}},
	}

	plan := BuildPlan(req)

	assert.NotEmpty(t, plan.OrganizationID)
	assert.Len(t, plan.General.ContactIDs, 1)
	assert.Len(t, plan.General.AddressIDs, 1)
	assert.Len(t, plan.General.PhoneIDs, 1)
	assert.Len(t, plan.Billing.ContactIDs, 1)
	assert.NotEqual(t, plan.General.ContactIDs[0], plan.Billing.ContactIDs[0])

	require.Len(t, plan.Invitations, 1)
	assert.Equal(t, "admin@meridian.example", plan.Invitations[0].Email)
	assert.NotEmpty(t, plan.Invitations[0].ID)
	assert.NotEmpty(t, plan.Invitations[0].Token)
}

func TestBuildPlanSharedSectionsGetNoIDs(t *testing.T) {
	req := validRequest()
	plan := BuildPlan(req)

	assert.Empty(t, plan.Billing.ContactIDs)
	assert.Empty(t, plan.ProviderAdmin.ContactIDs)

	// Shared sections resolve to General Info's identifiers.
	assert.Equal(t, plan.General, sectionPlanFor(&req, &plan, sectionBilling))
	assert.Equal(t, plan.General, sectionPlanFor(&req, &plan, sectionProviderAdmin))
}
