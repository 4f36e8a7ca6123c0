package models

import "time"

// BackfillStatus is the lifecycle status of a backfill job.
type BackfillStatus string

const (
	BackfillStarting  BackfillStatus = "starting"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// Terminal reports whether no further progress will be recorded.
func (s BackfillStatus) Terminal() bool {
	return s == BackfillCompleted || s == BackfillFailed
}

// BackfillOptions select what a backfill imports.
type BackfillOptions struct {
	TenantID        string     `json:"tenant_id"`
	SyncContacts    bool       `json:"sync_contacts"`
	SyncInvoices    bool       `json:"sync_invoices"`
	SyncPayments    bool       `json:"sync_payments"`
	ForceRefresh    bool       `json:"force_refresh"`
	ModifiedSince   *time.Time `json:"modified_since,omitempty"`
	IncludeArchived bool       `json:"include_archived"`
	PageSize        int        `json:"page_size"`
	Actor           string     `json:"actor"`
}

// BackfillProgress holds the running counters of a job.
type BackfillProgress struct {
	PagesProcessed int `json:"pages_processed"`
	Processed      int `json:"processed"`
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Skipped        int `json:"skipped"`
	Errored        int `json:"errored"`
}

// Add accumulates the counters of another page.
func (p *BackfillProgress) Add(o BackfillProgress) {
	p.PagesProcessed += o.PagesProcessed
	p.Processed += o.Processed
	p.Created += o.Created
	p.Updated += o.Updated
	p.Skipped += o.Skipped
	p.Errored += o.Errored
}

// BackfillFailure records one failed page or entity.
type BackfillFailure struct {
	Page       int        `json:"page"`
	EntityType EntityType `json:"entity_type"`
	RemoteID   string     `json:"remote_id,omitempty"`
	Error      string     `json:"error"`
}

// BackfillJob tracks one paginated import. It is not stored in the
// relational database.
type BackfillJob struct {
	ID          string            `json:"job_id"`
	TenantID    string            `json:"tenant_id"`
	Status      BackfillStatus    `json:"status"`
	Options     BackfillOptions   `json:"options"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Progress    BackfillProgress  `json:"progress"`
	Failures    []BackfillFailure `json:"failures"`
	Error       *string           `json:"error,omitempty"`
}
