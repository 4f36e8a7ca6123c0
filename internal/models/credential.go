package models

import "time"

// Credential is the OAuth credential for one connected accounting tenant.
// At most one active row exists per tenant.
type Credential struct {
	ID           string    `gorm:"column:id;primaryKey"`
	TenantID     string    `gorm:"column:tenant_id;index"`
	AccessToken  string    `gorm:"column:access_token"`
	RefreshToken string    `gorm:"column:refresh_token"`
	ExpiresAt    time.Time `gorm:"column:expires_at"`
	Scope        *string   `gorm:"column:scope"`
	Active       bool      `gorm:"column:active;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Credential) TableName() string {
	return "accounting_credential"
}

// RemainingValidity returns how long the access token stays valid after now.
func (c Credential) RemainingValidity(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
