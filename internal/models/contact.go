package models

import "time"

// Contact is a local counterparty. One Contact may be both a customer and a
// supplier; a remote contact id maps to exactly one Contact.
type Contact struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID        string    `gorm:"column:tenant_id;index" json:"tenant_id"`
	Name            string    `gorm:"column:name;index" json:"name"`
	Email           *string   `gorm:"column:email" json:"email,omitempty"`
	ActsAsCustomer  bool      `gorm:"column:acts_as_customer" json:"acts_as_customer"`
	ActsAsSupplier  bool      `gorm:"column:acts_as_supplier" json:"acts_as_supplier"`
	RemoteContactID *string   `gorm:"column:remote_contact_id;uniqueIndex" json:"remote_contact_id,omitempty"`
	Archived        bool      `gorm:"column:archived" json:"archived"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Contact) TableName() string {
	return "contact"
}

// ContactRole is the role a contact plays for a given document.
type ContactRole string

const (
	RoleCustomer ContactRole = "customer"
	RoleSupplier ContactRole = "supplier"
)

// HasRole reports whether the role flag for role is set.
func (c Contact) HasRole(role ContactRole) bool {
	switch role {
	case RoleCustomer:
		return c.ActsAsCustomer
	case RoleSupplier:
		return c.ActsAsSupplier
	}
	return false
}

// SetRole flips on the flag for role.
func (c *Contact) SetRole(role ContactRole) {
	switch role {
	case RoleCustomer:
		c.ActsAsCustomer = true
	case RoleSupplier:
		c.ActsAsSupplier = true
	}
}
