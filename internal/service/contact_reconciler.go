package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

// ContactStore interface for dependency injection
type ContactStore interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, contactID string) (*models.Contact, error)
	GetByRemoteID(ctx context.Context, tenantID string, remoteContactID string) (*models.Contact, error)
	ListActive(ctx context.Context, tenantID string) ([]models.Contact, error)
	Update(ctx context.Context, contact *models.Contact) error
	AttachRemote(ctx context.Context, contactID string, remoteContactID string, role models.ContactRole) error
}

// RemoteContactRef identifies a remote contact by id and display data.
type RemoteContactRef struct {
	ID    string
	Name  string
	Email string
}

// ContactResolution reports how a remote contact was mapped locally.
type ContactResolution struct {
	Contact *models.Contact
	Match   ContactMatch
	Created bool
	Linked  bool
}

// ContactResolver maps remote contacts onto local ones. A remote id maps to
// exactly one local contact; a contact seen as both customer and supplier
// keeps one identity with both role flags set.
type ContactResolver struct {
	contacts ContactStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewContactResolver(contacts ContactStore, logger *zap.Logger) *ContactResolver {
	return &ContactResolver{contacts: contacts, logger: logger, now: time.Now}
}

// Resolve returns the local contact for a remote contact, linking an
// existing contact when the name matches at exact or high confidence and
// creating a new one otherwise. Every role in roles is switched on.
func (r *ContactResolver) Resolve(ctx context.Context, tenantID string, remote RemoteContactRef, roles ...models.ContactRole) (*ContactResolution, error) {
	if remote.ID == "" {
		return nil, NewSyncError(KindValidation, "resolve_contact", errors.New("remote contact id is empty"))
	}

	existing, err := r.contacts.GetByRemoteID(ctx, tenantID, remote.ID)
	if err == nil {
		if err := r.ensureRoles(ctx, existing, roles); err != nil {
			return nil, err
		}
		return &ContactResolution{
			Contact: existing,
			Match:   ContactMatch{Contact: existing, Score: 1, Confidence: ConfidenceExact},
		}, nil
	}
	if !errors.Is(err, repository.ErrContactNotFound) {
		return nil, fmt.Errorf("failed to look up contact by remote id: %w", err)
	}

	candidates, err := r.contacts.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	match := MatchContact(remote.Name, remote.ID, candidates)
	if match.Confidence.Linkable() && match.Contact.RemoteContactID == nil {
		return r.link(ctx, match, remote, roles)
	}

	if match.Contact != nil {
		r.logger.Info("contact match below link threshold, creating new contact",
			zap.String("tenant_id", tenantID),
			zap.String("remote_contact_id", remote.ID),
			zap.String("candidate_id", match.Contact.ID),
			zap.String("confidence", string(match.Confidence)),
			zap.Float64("score", match.Score))
	}

	now := r.now()
	contact := &models.Contact{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		Name:            strings.TrimSpace(remote.Name),
		RemoteContactID: &remote.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if remote.Email != "" {
		email := remote.Email
		contact.Email = &email
	}
	for _, role := range roles {
		contact.SetRole(role)
	}
	if err := r.contacts.Create(ctx, contact); err != nil {
		return nil, err
	}
	return &ContactResolution{Contact: contact, Match: match, Created: true}, nil
}

func (r *ContactResolver) link(ctx context.Context, match ContactMatch, remote RemoteContactRef, roles []models.ContactRole) (*ContactResolution, error) {
	contact := match.Contact
	role := models.ContactRole("")
	if len(roles) > 0 {
		role = roles[0]
	}
	if err := r.contacts.AttachRemote(ctx, contact.ID, remote.ID, role); err != nil {
		return nil, err
	}

	linked, err := r.contacts.GetByID(ctx, contact.ID)
	if err != nil {
		return nil, err
	}
	if err := r.ensureRoles(ctx, linked, roles); err != nil {
		return nil, err
	}

	r.logger.Info("linked remote contact to existing contact",
		zap.String("tenant_id", linked.TenantID),
		zap.String("contact_id", linked.ID),
		zap.String("remote_contact_id", remote.ID),
		zap.String("confidence", string(match.Confidence)))

	return &ContactResolution{Contact: linked, Match: ContactMatch{Contact: linked, Score: match.Score, Confidence: match.Confidence}, Linked: true}, nil
}

func (r *ContactResolver) ensureRoles(ctx context.Context, contact *models.Contact, roles []models.ContactRole) error {
	changed := false
	for _, role := range roles {
		if !contact.HasRole(role) {
			contact.SetRole(role)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.contacts.Update(ctx, contact)
}
