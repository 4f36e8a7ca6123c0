package models

import "time"

// InvoiceDirection is the remote direction of an invoice.
type InvoiceDirection string

const (
	// DirectionOutbound is money owed to us (we issued the invoice).
	DirectionOutbound InvoiceDirection = "outbound"
	// DirectionInbound is money owed by us (a supplier bill).
	DirectionInbound InvoiceDirection = "inbound"
)

// Role returns the contact role implied by the direction.
func (d InvoiceDirection) Role() ContactRole {
	if d == DirectionInbound {
		return RoleSupplier
	}
	return RoleCustomer
}

// Invoice status constants
const (
	InvoiceStatusDraft      = "draft"
	InvoiceStatusSubmitted  = "submitted"
	InvoiceStatusAuthorised = "authorised"
	InvoiceStatusPaid       = "paid"
	InvoiceStatusVoided     = "voided"
)

// InvoiceFields are shared by both invoice representations.
type InvoiceFields struct {
	ID              string           `gorm:"column:id;primaryKey" json:"id"`
	TenantID        string           `gorm:"column:tenant_id;index" json:"tenant_id"`
	ContactID       string           `gorm:"column:contact_id;index" json:"contact_id"`
	Number          string           `gorm:"column:number" json:"number"`
	Reference       *string          `gorm:"column:reference" json:"reference,omitempty"`
	Currency        string           `gorm:"column:currency" json:"currency"`
	Total           float64          `gorm:"column:total" json:"total"`
	AmountDue       float64          `gorm:"column:amount_due" json:"amount_due"`
	Status          string           `gorm:"column:status;index" json:"status"`
	IssueDate       time.Time        `gorm:"column:issue_date" json:"issue_date"`
	DueDate         *time.Time       `gorm:"column:due_date" json:"due_date,omitempty"`
	RemoteInvoiceID *string          `gorm:"column:remote_invoice_id;uniqueIndex" json:"remote_invoice_id,omitempty"`
	RemoteDirection InvoiceDirection `gorm:"column:remote_direction" json:"remote_direction"`
	CreatedAt       time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// ReceivableInvoice is an invoice we issued.
type ReceivableInvoice struct {
	InvoiceFields
}

// TableName specifies the table name for GORM
func (ReceivableInvoice) TableName() string {
	return "receivable_invoice"
}

// PayableInvoice is a bill we received.
type PayableInvoice struct {
	InvoiceFields
}

// TableName specifies the table name for GORM
func (PayableInvoice) TableName() string {
	return "payable_invoice"
}

// RemoteInvoiceLink claims a remote invoice id for exactly one local
// representation. The primary key spans both invoice tables.
type RemoteInvoiceLink struct {
	RemoteInvoiceID string           `gorm:"column:remote_invoice_id;primaryKey"`
	Direction       InvoiceDirection `gorm:"column:direction"`
	LocalInvoiceID  string           `gorm:"column:local_invoice_id"`
	CreatedAt       time.Time        `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (RemoteInvoiceLink) TableName() string {
	return "remote_invoice_link"
}
