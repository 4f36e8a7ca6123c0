package models

import (
	"time"
)

// Payment status constants
const (
	PaymentStatusDraft      = "draft"
	PaymentStatusAuthorised = "authorised"
	PaymentStatusPaid       = "paid"
	PaymentStatusReversed   = "reversed"
)

// Payment is a payment applied to one local invoice.
type Payment struct {
	ID               string           `gorm:"column:id;primaryKey" json:"id"`
	TenantID         string           `gorm:"column:tenant_id;index" json:"tenant_id"`
	InvoiceID        string           `gorm:"column:invoice_id;index" json:"invoice_id"`
	InvoiceDirection InvoiceDirection `gorm:"column:invoice_direction" json:"invoice_direction"`
	ContactID        string           `gorm:"column:contact_id;index" json:"contact_id"`
	Amount           float64          `gorm:"column:amount" json:"amount"`
	Currency         string           `gorm:"column:currency" json:"currency"`
	Date             time.Time        `gorm:"column:date;index" json:"date"`
	Reference        *string          `gorm:"column:reference" json:"reference,omitempty"`
	Status           string           `gorm:"column:status;index" json:"status"`
	RemotePaymentID  *string          `gorm:"column:remote_payment_id;uniqueIndex" json:"remote_payment_id,omitempty"`
	Metadata         JSONB            `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Payment) TableName() string {
	return "payment"
}
