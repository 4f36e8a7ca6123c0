package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/ledgersync/internal/models"
)

func TestPayloadValidator(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	date := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	validPayment := RemotePayment{InvoiceID: "ri-1", Amount: 50, Currency: "SGD", Date: date, Status: models.PaymentStatusPaid}
	validInvoice := RemoteInvoice{
		Direction: models.DirectionOutbound, ContactID: "rc-1", Number: "INV-1",
		Currency: "SGD", Total: 10, AmountDue: 10, Status: models.InvoiceStatusDraft, IssueDate: date,
	}

	tests := []struct {
		name       string
		entityType models.EntityType
		payload    interface{}
		valid      bool
	}{
		{"payment", models.EntityPayment, validPayment, true},
		{"zero payment amount", models.EntityPayment, func() RemotePayment { p := validPayment; p.Amount = 0; return p }(), false},
		{"lower case currency", models.EntityPayment, func() RemotePayment { p := validPayment; p.Currency = "sgd"; return p }(), false},
		{"unknown payment status", models.EntityPayment, func() RemotePayment { p := validPayment; p.Status = "pending"; return p }(), false},
		{"receivable invoice", models.EntityReceivableInvoice, validInvoice, true},
		{"payable invoice", models.EntityPayableInvoice, func() RemoteInvoice { i := validInvoice; i.Direction = models.DirectionInbound; return i }(), true},
		{"invoice without number", models.EntityReceivableInvoice, func() RemoteInvoice { i := validInvoice; i.Number = ""; return i }(), false},
		{"negative invoice total", models.EntityReceivableInvoice, func() RemoteInvoice { i := validInvoice; i.Total = -1; return i }(), false},
		{"contact", models.EntityContact, RemoteContact{Name: "Acme", IsCustomer: true}, true},
		{"contact without name", models.EntityContact, RemoteContact{IsCustomer: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.entityType, tt.payload)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestPayloadValidatorUnknownEntity(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	err = v.Validate(models.EntityType("ledger"), map[string]string{})
	assert.Equal(t, KindInternal, KindOf(err))
}
