// Package bootstrap implements the durable organization bootstrap saga: a
// deterministic workflow whose activities emit domain events, drive the DNS
// and email providers, and compensate in reverse order on failure.
package bootstrap

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/pkg/errors"
)

// Organization types and the partner subtype that carries a subdomain.
const (
	OrgTypeProvider        = "provider"
	OrgTypeProviderPartner = "provider_partner"
	OrgTypePlatformOwner   = "platform_owner"

	PartnerTypeVAR = "var"
)

var (
	orgTypes = map[string]bool{
		OrgTypeProvider:        true,
		OrgTypeProviderPartner: true,
		OrgTypePlatformOwner:   true,
	}
	slugRE = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// Contact is one named point of contact in a request section.
type Contact struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email"`
}

// Address is one postal address in a request section.
type Address struct {
	Street  string `json:"street"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
}

// Phone is one phone number in a request section.
type Phone struct {
	Number    string `json:"number"`
	Extension string `json:"extension,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Section groups the contact endpoints supplied for one part of the intake
// form. SharedFromGeneral links the section to General Info's records instead
// of creating duplicates.
type Section struct {
	Contacts          []Contact `json:"contacts,omitempty"`
	Addresses         []Address `json:"addresses,omitempty"`
	Phones            []Phone   `json:"phones,omitempty"`
	SharedFromGeneral bool      `json:"shared_from_general,omitempty"`
}

// Invite names one admin to invite once the organization exists.
type Invite struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Request is the full bootstrap input. QueueID is attached by the worker when
// it starts the execution; everything else comes from the intake caller.
type Request struct {
	QueueID string `json:"queue_id,omitempty"`

	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Type        string `json:"type"`
	PartnerType string `json:"partner_type,omitempty"`
	Subdomain   string `json:"subdomain,omitempty"`

	General       Section `json:"general"`
	Billing       Section `json:"billing"`
	ProviderAdmin Section `json:"provider_admin"`

	AdminInvites []Invite `json:"admin_invites,omitempty"`

	RequestedBy string `json:"requested_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RequiresSubdomain reports whether this organization type carries its own
// subdomain and therefore the DNS steps.
func (r *Request) RequiresSubdomain() bool {
	return r.Type == OrgTypeProvider ||
		(r.Type == OrgTypeProviderPartner && r.PartnerType == PartnerTypeVAR)
}

// Validate checks the structural preconditions before any event is written.
func (r *Request) Validate() error {
	if r.Name == "" {
		return errors.Wrap(errors.ErrValidation, "name is required")
	}
	if !slugRE.MatchString(r.Slug) {
		return errors.Wrap(errors.ErrValidation, "slug must be lowercase kebab-case")
	}
	if !orgTypes[r.Type] {
		return errors.Wrap(errors.ErrValidation, "unknown organization type "+r.Type)
	}
	if r.RequiresSubdomain() {
		if !slugRE.MatchString(r.Subdomain) {
			return errors.Wrap(errors.ErrValidation, "subdomain is required for this organization type")
		}
	} else if r.Subdomain != "" {
		return errors.Wrap(errors.ErrValidation, "subdomain is not allowed for this organization type")
	}
	for _, inv := range r.AdminInvites {
		if inv.Email == "" || inv.Role == "" {
			return errors.Wrap(errors.ErrValidation, "admin invites require email and role")
		}
	}
	return nil
}

// SectionPlan fixes the entity ids one section will use. Shared sections
// reference General Info's ids.
type SectionPlan struct {
	ContactIDs []string `json:"contact_ids,omitempty"`
	AddressIDs []string `json:"address_ids,omitempty"`
	PhoneIDs   []string `json:"phone_ids,omitempty"`
}

// InvitationPlan fixes the id and token of one invitation.
type InvitationPlan struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Token string `json:"token"`
}

// Plan fixes every generated identifier for one bootstrap before the first
// activity runs. Activities are retried with the same plan, so a retry can
// never duplicate an entity under a fresh id.
type Plan struct {
	OrganizationID string `json:"organization_id"`

	General       SectionPlan `json:"general"`
	Billing       SectionPlan `json:"billing"`
	ProviderAdmin SectionPlan `json:"provider_admin"`

	Invitations []InvitationPlan `json:"invitations,omitempty"`
}

// BuildPlan allocates ids and tokens for a request. Random, so callers inside
// workflow code must run it behind a side effect.
func BuildPlan(req Request) Plan {
	plan := Plan{
		OrganizationID: uuid.NewString(),
		General:        buildSectionPlan(req.General),
	}
	if !req.Billing.SharedFromGeneral {
		plan.Billing = buildSectionPlan(req.Billing)
	}
	if !req.ProviderAdmin.SharedFromGeneral {
		plan.ProviderAdmin = buildSectionPlan(req.ProviderAdmin)
	}
	for _, inv := range req.AdminInvites {
		plan.Invitations = append(plan.Invitations, InvitationPlan{
			ID:    uuid.NewString(),
			Email: inv.Email,
			Role:  inv.Role,
			Token: uuid.NewString(),
		})
	}
	return plan
}

func buildSectionPlan(s Section) SectionPlan {
	var p SectionPlan
	for range s.Contacts {
		p.ContactIDs = append(p.ContactIDs, uuid.NewString())
	}
	for range s.Addresses {
		p.AddressIDs = append(p.AddressIDs, uuid.NewString())
	}
	for range s.Phones {
		p.PhoneIDs = append(p.PhoneIDs, uuid.NewString())
	}
	return p
}

// sectionPlanFor resolves the ids a section links against, following the
// shared-from-general indirection.
func sectionPlanFor(req *Request, plan *Plan, name string) SectionPlan {
	switch name {
	case sectionBilling:
		if req.Billing.SharedFromGeneral {
			return plan.General
		}
		return plan.Billing
	case sectionProviderAdmin:
		if req.ProviderAdmin.SharedFromGeneral {
			return plan.General
		}
		return plan.ProviderAdmin
	default:
		return plan.General
	}
}

// Result is the terminal payload of a successful bootstrap execution.
type Result struct {
	OrganizationID  string `json:"organization_id"`
	Slug            string `json:"slug"`
	Subdomain       string `json:"subdomain,omitempty"`
	InvitationsSent int    `json:"invitations_sent"`
}
