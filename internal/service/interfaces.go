package service

import (
	"context"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
)

// AccountingClient interface for the remote accounting API. Every call
// except RefreshAccessToken takes a bearer access token obtained through
// the TokenManager.
type AccountingClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)

	ListContacts(ctx context.Context, accessToken string, opts ListOptions) (*ContactPage, error)
	GetContact(ctx context.Context, accessToken string, remoteID string) (*RemoteContact, error)
	CreateContact(ctx context.Context, accessToken string, contact RemoteContact, correlationID string) (*RemoteContact, error)
	UpdateContact(ctx context.Context, accessToken string, contact RemoteContact, correlationID string) (*RemoteContact, error)

	ListInvoices(ctx context.Context, accessToken string, opts ListOptions) (*InvoicePage, error)
	GetInvoice(ctx context.Context, accessToken string, remoteID string) (*RemoteInvoice, error)
	CreateInvoice(ctx context.Context, accessToken string, invoice RemoteInvoice, correlationID string) (*RemoteInvoice, error)
	UpdateInvoice(ctx context.Context, accessToken string, invoice RemoteInvoice, correlationID string) (*RemoteInvoice, error)

	ListPayments(ctx context.Context, accessToken string, opts ListOptions) (*PaymentPage, error)
	GetPayment(ctx context.Context, accessToken string, remoteID string) (*RemotePayment, error)
	CreatePayment(ctx context.Context, accessToken string, payment RemotePayment, correlationID string) (*RemotePayment, error)
	UpdatePayment(ctx context.Context, accessToken string, payment RemotePayment, correlationID string) (*RemotePayment, error)
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

// ListOptions select one page of a remote listing. Pages start at 1.
type ListOptions struct {
	Page            int
	PageSize        int
	ModifiedSince   *time.Time
	IncludeArchived bool
}

type RemoteContact struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	IsCustomer bool      `json:"is_customer"`
	IsSupplier bool      `json:"is_supplier"`
	Archived   bool      `json:"archived,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type RemoteInvoice struct {
	ID          string                  `json:"id,omitempty"`
	Direction   models.InvoiceDirection `json:"direction"`
	ContactID   string                  `json:"contact_id"`
	ContactName string                  `json:"contact_name,omitempty"`
	Number      string                  `json:"number"`
	Reference   string                  `json:"reference,omitempty"`
	Currency    string                  `json:"currency"`
	Total       float64                 `json:"total"`
	AmountDue   float64                 `json:"amount_due"`
	Status      string                  `json:"status"`
	IssueDate   time.Time               `json:"issue_date"`
	DueDate     *time.Time              `json:"due_date,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at,omitempty"`
}

type RemotePayment struct {
	ID        string    `json:"id,omitempty"`
	InvoiceID string    `json:"invoice_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Date      time.Time `json:"date"`
	Reference string    `json:"reference,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type ContactPage struct {
	Items   []RemoteContact `json:"items"`
	Page    int             `json:"page"`
	HasMore bool            `json:"has_more"`
}

type InvoicePage struct {
	Items   []RemoteInvoice `json:"items"`
	Page    int             `json:"page"`
	HasMore bool            `json:"has_more"`
}

type PaymentPage struct {
	Items   []RemotePayment `json:"items"`
	Page    int             `json:"page"`
	HasMore bool            `json:"has_more"`
}

// CredentialStore interface for dependency injection
type CredentialStore interface {
	GetActive(ctx context.Context, tenantID string) (*models.Credential, error)
	UpdateTokens(ctx context.Context, credentialID string, accessToken string, refreshToken string, expiresAt time.Time) error
	Deactivate(ctx context.Context, credentialID string) error
}

// LogStore interface for the audit sink
type LogStore interface {
	Create(ctx context.Context, log *models.SyncLog) error
}

// JobStore keeps BackfillJob records. Implementations return copies so
// callers never share a job value with the running backfill.
type JobStore interface {
	Create(ctx context.Context, job *models.BackfillJob) error
	Update(ctx context.Context, job *models.BackfillJob) error
	Get(ctx context.Context, jobID string) (*models.BackfillJob, error)
	List(ctx context.Context, tenantID string) ([]models.BackfillJob, error)
}
