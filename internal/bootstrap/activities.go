package bootstrap

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/config"
	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/internal/provider/dns"
	"github.com/meridianhealth/platform/internal/provider/email"
	"github.com/meridianhealth/platform/internal/queue"
	"github.com/meridianhealth/platform/pkg/errors"
)

// Section names, used as entity type labels and plan keys.
const (
	sectionGeneral       = "general"
	sectionBilling       = "billing"
	sectionProviderAdmin = "provider_admin"
)

// Non-retryable application error types. The workflow's retry policies name
// these so the runtime fails fast instead of retrying a lost cause.
const (
	ErrTypeDuplicateSlug     = "DuplicateSlug"
	ErrTypeInconsistentState = "InconsistentState"
	ErrTypeProviderRejected  = "ProviderRejected"
	ErrTypeDNSNotResolved    = "DNSNotResolved"
)

const compensationReason = "bootstrap compensation: workflow failed before activation"

// Activities holds the side-effectful steps of the bootstrap saga. The
// workflow invokes them through the runtime; nothing else calls them.
type Activities struct {
	store *eventstore.Store
	dir   Directory
	dns   dns.Provider
	email email.Provider
	cfg   *config.Config
	log   *zap.Logger
}

// NewActivities wires the saga activities.
func NewActivities(store *eventstore.Store, dir Directory, dnsProvider dns.Provider, emailProvider email.Provider, cfg *config.Config, log *zap.Logger) *Activities {
	return &Activities{
		store: store,
		dir:   dir,
		dns:   dnsProvider,
		email: emailProvider,
		cfg:   cfg,
		log:   log.With(zap.String("module", "bootstrap_activities")),
	}
}

// meta builds the event metadata shared by every emission of one bootstrap.
// The workflow id doubles as correlation id and idempotency key: a retried
// activity re-emitting the same event on the same stream deduplicates.
func (a *Activities) meta(req *Request, reason string) eventstore.Metadata {
	return eventstore.Metadata{
		UserID:         req.RequestedBy,
		CorrelationID:  queue.WorkflowID(req.Slug),
		Reason:         reason,
		IdempotencyKey: queue.WorkflowID(req.Slug),
	}
}

func (a *Activities) emit(ctx context.Context, streamType, streamID, eventType string, data interface{}, meta eventstore.Metadata) error {
	_, err := a.store.Emit(ctx, eventstore.EmitInput{
		StreamID:   streamID,
		StreamType: streamType,
		EventType:  eventType,
		EventData:  data,
		Metadata:   meta,
	})
	return err
}

// CreateOrganization emits the organization, its contact-group entities, and
// the junction links that connect them, as one logical batch. Safe to retry:
// ids come from the plan and every emission carries the workflow idempotency
// key.
func (a *Activities) CreateOrganization(ctx context.Context, req Request, plan Plan) (string, error) {
	existing, err := a.dir.OrganizationBySlug(ctx, req.Slug)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.ID != plan.OrganizationID {
		return "", temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("slug %q already in use by organization %s", req.Slug, existing.ID),
			ErrTypeDuplicateSlug, errors.ErrDuplicateSlug)
	}
	if existing != nil && !existing.IsActive {
		// A row from an earlier attempt in a half-compensated state. Repair
		// is an operator decision, not something a retry should improvise.
		return "", temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("organization %s exists in an inconsistent state", existing.ID),
			ErrTypeInconsistentState, errors.ErrInconsistentState)
	}

	meta := a.meta(&req, "")

	var partnerType, subdomain *string
	if req.PartnerType != "" {
		partnerType = &req.PartnerType
	}
	if req.Subdomain != "" {
		subdomain = &req.Subdomain
	}
	created := projection.OrganizationCreated{
		Name:        req.Name,
		Slug:        req.Slug,
		Type:        req.Type,
		PartnerType: partnerType,
		Path:        pathLabel(req.Slug),
		Subdomain:   subdomain,
	}
	if err := a.emit(ctx, eventstore.StreamOrganization, plan.OrganizationID, "organization.created", created, meta); err != nil {
		return "", err
	}

	sections := []struct {
		name    string
		section Section
	}{
		{sectionGeneral, req.General},
		{sectionBilling, req.Billing},
		{sectionProviderAdmin, req.ProviderAdmin},
	}
	for _, s := range sections {
		if err := a.emitSection(ctx, &req, &plan, s.name, s.section, meta); err != nil {
			return "", err
		}
	}
	return plan.OrganizationID, nil
}

// emitSection creates the section's own entities (unless shared from General
// Info) and links the fully-connected contact group. Shared sections link the
// General Info records without duplicating them.
func (a *Activities) emitSection(ctx context.Context, req *Request, plan *Plan, name string, section Section, meta eventstore.Metadata) error {
	ids := sectionPlanFor(req, plan, name)

	if !section.SharedFromGeneral || name == sectionGeneral {
		for i, c := range section.Contacts {
			payload := projection.EntityPayload{
				OrganizationID: plan.OrganizationID,
				Type:           name,
				Fields: map[string]string{
					"first_name": c.FirstName,
					"last_name":  c.LastName,
					"email":      c.Email,
				},
			}
			if err := a.emit(ctx, eventstore.StreamContact, ids.ContactIDs[i], "contact.created", payload, meta); err != nil {
				return err
			}
		}
		for i, addr := range section.Addresses {
			payload := projection.EntityPayload{
				OrganizationID: plan.OrganizationID,
				Type:           name,
				Fields: map[string]string{
					"street":  addr.Street,
					"street2": addr.Street2,
					"city":    addr.City,
					"state":   addr.State,
					"zip":     addr.Zip,
				},
			}
			if err := a.emit(ctx, eventstore.StreamAddress, ids.AddressIDs[i], "address.created", payload, meta); err != nil {
				return err
			}
		}
		for i, p := range section.Phones {
			payload := projection.EntityPayload{
				OrganizationID: plan.OrganizationID,
				Type:           name,
				Label:          p.Kind,
				Fields: map[string]string{
					"number":    p.Number,
					"extension": p.Extension,
				},
			}
			if err := a.emit(ctx, eventstore.StreamPhone, ids.PhoneIDs[i], "phone.created", payload, meta); err != nil {
				return err
			}
		}
	}

	// Fully-connected group: organization to every entity, plus every
	// contact-address, contact-phone, and phone-address pair.
	orgID := plan.OrganizationID
	for _, cid := range ids.ContactIDs {
		if err := a.emitLink(ctx, "organization.contact", orgID, cid, meta); err != nil {
			return err
		}
	}
	for _, aid := range ids.AddressIDs {
		if err := a.emitLink(ctx, "organization.address", orgID, aid, meta); err != nil {
			return err
		}
	}
	for _, pid := range ids.PhoneIDs {
		if err := a.emitLink(ctx, "organization.phone", orgID, pid, meta); err != nil {
			return err
		}
	}
	for _, cid := range ids.ContactIDs {
		for _, aid := range ids.AddressIDs {
			if err := a.emitLink(ctx, "contact.address", cid, aid, meta); err != nil {
				return err
			}
		}
		for _, pid := range ids.PhoneIDs {
			if err := a.emitLink(ctx, "contact.phone", cid, pid, meta); err != nil {
				return err
			}
		}
	}
	for _, pid := range ids.PhoneIDs {
		for _, aid := range ids.AddressIDs {
			if err := a.emitLink(ctx, "phone.address", pid, aid, meta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Activities) emitLink(ctx context.Context, prefix, left, right string, meta eventstore.Metadata) error {
	return a.emit(ctx, eventstore.StreamJunction, projection.JunctionStreamID(prefix, left, right),
		prefix+".linked", projection.NewJunctionPayload(prefix, left, right), meta)
}

// pathLabel derives the organization's hierarchy path label. Labels use
// underscores so the path stays a valid labelled tree.
func pathLabel(slug string) string {
	out := make([]byte, len(slug))
	for i := 0; i < len(slug); i++ {
		if slug[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = slug[i]
		}
	}
	return "root." + string(out)
}

type dnsEventPayload struct {
	Subdomain string `json:"subdomain"`
	Host      string `json:"host"`
	Target    string `json:"target,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *Activities) host(subdomain string) string {
	return subdomain + "." + a.cfg.DNSRootDomain
}

// ConfigureDNS creates the organization's CNAME at the provider.
func (a *Activities) ConfigureDNS(ctx context.Context, req Request, orgID string) error {
	host := a.host(req.Subdomain)
	meta := a.meta(&req, "")

	if err := a.dns.CreateCNAME(ctx, host, a.cfg.DNSTargetHost); err != nil {
		if errors.Is(err, dns.ErrRejected) {
			if emitErr := a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.dns.failed",
				dnsEventPayload{Subdomain: req.Subdomain, Host: host, Error: err.Error()}, meta); emitErr != nil {
				a.log.Error("record dns failure failed", zap.String("organization_id", orgID), zap.Error(emitErr))
			}
			return temporal.NewNonRetryableApplicationError("dns provider rejected "+host, ErrTypeProviderRejected, err)
		}
		return err
	}
	return a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.dns.configured",
		dnsEventPayload{Subdomain: req.Subdomain, Host: host, Target: a.cfg.DNSTargetHost}, meta)
}

// VerifyDNS polls the provider until the record resolves or the configured
// timeout elapses. The polling happens inside the activity, so a terminal
// failure here is final and starts compensation.
func (a *Activities) VerifyDNS(ctx context.Context, req Request, orgID string) error {
	host := a.host(req.Subdomain)
	meta := a.meta(&req, "")

	if err := dns.VerifyWithBackoff(ctx, a.dns, host, a.cfg.DNSTargetHost, a.cfg.DNSVerifyTimeout); err != nil {
		if emitErr := a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.dns.failed",
			dnsEventPayload{Subdomain: req.Subdomain, Host: host, Error: err.Error()}, meta); emitErr != nil {
			a.log.Error("record dns failure failed", zap.String("organization_id", orgID), zap.Error(emitErr))
		}
		errType := ErrTypeDNSNotResolved
		if errors.Is(err, dns.ErrRejected) {
			errType = ErrTypeProviderRejected
		}
		return temporal.NewNonRetryableApplicationError("dns verification failed for "+host, errType, err)
	}
	return a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.dns.verified",
		dnsEventPayload{Subdomain: req.Subdomain, Host: host, Target: a.cfg.DNSTargetHost}, meta)
}

// GenerateInvitations emits one user.invited per planned admin invite.
func (a *Activities) GenerateInvitations(ctx context.Context, req Request, plan Plan) error {
	meta := a.meta(&req, "")
	expires := time.Now().Add(a.cfg.InviteTTL)

	for _, inv := range plan.Invitations {
		payload := projection.UserInvited{
			OrganizationID: plan.OrganizationID,
			Email:          inv.Email,
			Role:           inv.Role,
			Token:          inv.Token,
			ExpiresAt:      expires,
		}
		if err := a.emit(ctx, eventstore.StreamInvitation, inv.ID, "user.invited", payload, meta); err != nil {
			return err
		}
	}
	return nil
}

// SendInvitationEmails delivers the planned invitations. Rejections are
// recorded per recipient and tolerated; transient provider errors fail the
// activity so the runtime retries the batch, where idempotency keys collapse
// re-sends.
func (a *Activities) SendInvitationEmails(ctx context.Context, req Request, plan Plan) (int, error) {
	meta := a.meta(&req, "")
	sent := 0

	for _, inv := range plan.Invitations {
		msg := email.Message{
			To:             inv.Email,
			From:           a.cfg.EmailFromAddress,
			Subject:        fmt.Sprintf("You're invited to join %s", req.Name),
			HTML:           inviteHTML(req.Name, inv.Token, a.host(req.Subdomain)),
			IdempotencyKey: "invite-" + inv.ID,
		}
		res, err := a.email.Send(ctx, msg)
		if err != nil {
			if errors.Is(err, email.ErrRejected) {
				if emitErr := a.emit(ctx, eventstore.StreamInvitation, inv.ID, "invitation.email.failed",
					map[string]string{"error": err.Error()}, meta); emitErr != nil {
					return sent, emitErr
				}
				continue
			}
			return sent, err
		}
		if err := a.emit(ctx, eventstore.StreamInvitation, inv.ID, "invitation.email.sent",
			map[string]string{"provider_message_id": res.ProviderMessageID}, meta); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func inviteHTML(orgName, token, host string) string {
	return fmt.Sprintf(
		`<p>You have been invited to join <strong>%s</strong>.</p><p><a href="https://%s/invitations/accept?token=%s">Accept your invitation</a></p>`,
		html.EscapeString(orgName), host, token)
}

// ActivateOrganization confirms the end of bootstrap.
func (a *Activities) ActivateOrganization(ctx context.Context, req Request, orgID string) error {
	return a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.activated",
		map[string]string{"slug": req.Slug}, a.meta(&req, ""))
}

// MarkBootstrapCompleted records the terminal event on the workflow queue
// stream; its projection marks the queue row completed.
func (a *Activities) MarkBootstrapCompleted(ctx context.Context, req Request, orgID string) error {
	if req.QueueID == "" {
		return nil
	}
	return a.emit(ctx, eventstore.StreamWorkflowQueue, req.QueueID, "organization.bootstrap.completed",
		map[string]string{"organization_id": orgID, "organization_slug": req.Slug}, a.meta(&req, ""))
}

// RemoveDNS deletes the organization's CNAME. Absence counts as success.
func (a *Activities) RemoveDNS(ctx context.Context, req Request, orgID string) error {
	host := a.host(req.Subdomain)
	if err := a.dns.Delete(ctx, host); err != nil {
		return err
	}
	return a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.dns.removed",
		dnsEventPayload{Subdomain: req.Subdomain, Host: host}, a.meta(&req, compensationReason))
}

// DeletePhones compensates the phone entities: junction unlinks first, then
// one deleted event per entity.
func (a *Activities) DeletePhones(ctx context.Context, req Request, orgID string) error {
	return a.deleteEntities(ctx, &req, orgID, "phone", eventstore.StreamPhone)
}

// DeleteAddresses compensates the address entities.
func (a *Activities) DeleteAddresses(ctx context.Context, req Request, orgID string) error {
	return a.deleteEntities(ctx, &req, orgID, "address", eventstore.StreamAddress)
}

// DeleteContacts compensates the contact entities.
func (a *Activities) DeleteContacts(ctx context.Context, req Request, orgID string) error {
	return a.deleteEntities(ctx, &req, orgID, "contact", eventstore.StreamContact)
}

// deleteEntities soft-deletes one entity kind for the organization. Every
// active junction touching the kind is unlinked before any entity row is
// queried or deleted, so a concurrent lookup never sees a dangling link.
func (a *Activities) deleteEntities(ctx context.Context, req *Request, orgID, kind, streamType string) error {
	meta := a.meta(req, compensationReason)

	if _, err := UnlinkJunctions(ctx, a.store, a.dir, orgID, kind, meta); err != nil {
		return err
	}

	ids, err := a.dir.ActiveEntityIDs(ctx, orgID, kind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.emit(ctx, streamType, id, kind+".deleted",
			map[string]string{"organization_id": orgID}, meta); err != nil {
			return err
		}
	}
	return nil
}

// RevokeInvitations compensates pending invitations.
func (a *Activities) RevokeInvitations(ctx context.Context, req Request, orgID string) error {
	meta := a.meta(&req, compensationReason)

	invs, err := a.dir.PendingInvitations(ctx, orgID)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		if err := a.emit(ctx, eventstore.StreamInvitation, inv.ID, "invitation.revoked",
			map[string]string{"email": inv.Email}, meta); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateOrganization is the final compensation step: deactivate, then
// soft-delete, releasing the slug for a clean re-submission.
func (a *Activities) DeactivateOrganization(ctx context.Context, req Request, orgID string) error {
	meta := a.meta(&req, compensationReason)

	if err := a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.deactivated",
		map[string]string{"slug": req.Slug}, meta); err != nil {
		return err
	}
	return a.emit(ctx, eventstore.StreamOrganization, orgID, "organization.deleted",
		map[string]string{"slug": req.Slug}, meta)
}
