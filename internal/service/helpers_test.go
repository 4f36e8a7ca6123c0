package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vipul43/ledgersync/internal/database"
	"github.com/vipul43/ledgersync/internal/jobstore"
	"github.com/vipul43/ledgersync/internal/models"
	"github.com/vipul43/ledgersync/internal/repository"
)

const testTenant = "tenant-1"

// fakeAccounting is an in-memory remote accounting platform. Creates are
// de-duplicated by idempotency key the way the real platform does.
type fakeAccounting struct {
	mu sync.Mutex

	seq      int
	contacts map[string]*RemoteContact
	invoices map[string]*RemoteInvoice
	payments map[string]*RemotePayment
	byKey    map[string]string

	mutations     int
	createCalls   int
	refreshCalls  int
	loseResponses int // next N creates are stored but answered with a timeout
	paymentTokens []string

	refreshFunc      func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
	rejectPayment    func(p RemotePayment) error
	listContactsFunc func(opts ListOptions) (*ContactPage, error)
	listInvoicesFunc func(opts ListOptions) (*InvoicePage, error)
	listPaymentsFunc func(ctx context.Context, opts ListOptions) (*PaymentPage, error)
}

func newFakeAccounting() *fakeAccounting {
	return &fakeAccounting{
		contacts: make(map[string]*RemoteContact),
		invoices: make(map[string]*RemoteInvoice),
		payments: make(map[string]*RemotePayment),
		byKey:    make(map[string]string),
	}
}

func (f *fakeAccounting) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeAccounting) timeout() error {
	return &SyncError{Kind: KindTransientNetwork, Op: "create", Err: context.DeadlineExceeded}
}

func notFound(id string) error {
	return &SyncError{Kind: KindNotFound, Op: "get", StatusCode: 404, Err: fmt.Errorf("%s not found", id)}
}

func (f *fakeAccounting) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, refreshToken)
	}
	return &TokenRefreshResult{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAccounting) ListContacts(ctx context.Context, accessToken string, opts ListOptions) (*ContactPage, error) {
	if f.listContactsFunc != nil {
		return f.listContactsFunc(opts)
	}
	return &ContactPage{Page: opts.Page}, nil
}

func (f *fakeAccounting) GetContact(ctx context.Context, accessToken string, remoteID string) (*RemoteContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[remoteID]
	if !ok {
		return nil, notFound(remoteID)
	}
	out := *c
	return &out, nil
}

func (f *fakeAccounting) CreateContact(ctx context.Context, accessToken string, contact RemoteContact, correlationID string) (*RemoteContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if id, ok := f.byKey[correlationID]; ok {
		out := *f.contacts[id]
		return &out, nil
	}
	contact.ID = f.nextID("rc")
	contact.UpdatedAt = time.Now()
	f.contacts[contact.ID] = &contact
	f.byKey[correlationID] = contact.ID
	f.mutations++
	out := contact
	return &out, nil
}

func (f *fakeAccounting) UpdateContact(ctx context.Context, accessToken string, contact RemoteContact, correlationID string) (*RemoteContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contacts[contact.ID]; !ok {
		return nil, notFound(contact.ID)
	}
	contact.UpdatedAt = time.Now()
	f.contacts[contact.ID] = &contact
	f.mutations++
	out := contact
	return &out, nil
}

func (f *fakeAccounting) ListInvoices(ctx context.Context, accessToken string, opts ListOptions) (*InvoicePage, error) {
	if f.listInvoicesFunc != nil {
		return f.listInvoicesFunc(opts)
	}
	return &InvoicePage{Page: opts.Page}, nil
}

func (f *fakeAccounting) GetInvoice(ctx context.Context, accessToken string, remoteID string) (*RemoteInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[remoteID]
	if !ok {
		return nil, notFound(remoteID)
	}
	out := *inv
	return &out, nil
}

func (f *fakeAccounting) CreateInvoice(ctx context.Context, accessToken string, invoice RemoteInvoice, correlationID string) (*RemoteInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if id, ok := f.byKey[correlationID]; ok {
		out := *f.invoices[id]
		return &out, nil
	}
	invoice.ID = f.nextID("ri")
	invoice.UpdatedAt = time.Now()
	f.invoices[invoice.ID] = &invoice
	f.byKey[correlationID] = invoice.ID
	f.mutations++
	out := invoice
	return &out, nil
}

func (f *fakeAccounting) UpdateInvoice(ctx context.Context, accessToken string, invoice RemoteInvoice, correlationID string) (*RemoteInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.invoices[invoice.ID]; !ok {
		return nil, notFound(invoice.ID)
	}
	invoice.UpdatedAt = time.Now()
	f.invoices[invoice.ID] = &invoice
	f.mutations++
	out := invoice
	return &out, nil
}

func (f *fakeAccounting) ListPayments(ctx context.Context, accessToken string, opts ListOptions) (*PaymentPage, error) {
	if f.listPaymentsFunc != nil {
		return f.listPaymentsFunc(ctx, opts)
	}
	return &PaymentPage{Page: opts.Page}, nil
}

func (f *fakeAccounting) GetPayment(ctx context.Context, accessToken string, remoteID string) (*RemotePayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[remoteID]
	if !ok {
		return nil, notFound(remoteID)
	}
	out := *p
	return &out, nil
}

func (f *fakeAccounting) CreatePayment(ctx context.Context, accessToken string, payment RemotePayment, correlationID string) (*RemotePayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.paymentTokens = append(f.paymentTokens, accessToken)
	if f.rejectPayment != nil {
		if err := f.rejectPayment(payment); err != nil {
			return nil, err
		}
	}
	if id, ok := f.byKey[correlationID]; ok {
		out := *f.payments[id]
		return &out, nil
	}
	payment.ID = f.nextID("rp")
	payment.UpdatedAt = time.Now()
	f.payments[payment.ID] = &payment
	f.byKey[correlationID] = payment.ID
	f.mutations++
	if f.loseResponses > 0 {
		f.loseResponses--
		return nil, f.timeout()
	}
	out := payment
	return &out, nil
}

func (f *fakeAccounting) UpdatePayment(ctx context.Context, accessToken string, payment RemotePayment, correlationID string) (*RemotePayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[payment.ID]; !ok {
		return nil, notFound(payment.ID)
	}
	payment.UpdatedAt = time.Now()
	f.payments[payment.ID] = &payment
	f.mutations++
	out := payment
	return &out, nil
}

// editPayment changes a remote payment as if someone edited it remotely.
func (f *fakeAccounting) editPayment(id string, edit func(p *RemotePayment)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	edit(p)
	p.UpdatedAt = time.Now()
}

func (f *fakeAccounting) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func (f *fakeAccounting) paymentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.payments))
	for id := range f.payments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type testEnv struct {
	db          *gorm.DB
	client      *fakeAccounting
	credentials *repository.CredentialRepository
	contacts    *repository.ContactRepository
	invoices    *repository.InvoiceRepository
	payments    *repository.PaymentRepository
	states      *repository.SyncStateRepository
	logs        *repository.SyncLogRepository
	audit       *AuditSink
	tokens      *TokenManager
	resolver    *ContactResolver
	reconciler  *Reconciler
	backfill    *BackfillOrchestrator
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect("sqlite", filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	logger := zap.NewNop()

	env := &testEnv{
		db:          db,
		client:      newFakeAccounting(),
		credentials: repository.NewCredentialRepository(db),
		contacts:    repository.NewContactRepository(db),
		invoices:    repository.NewInvoiceRepository(db),
		payments:    repository.NewPaymentRepository(db),
		states:      repository.NewSyncStateRepository(db),
		logs:        repository.NewSyncLogRepository(db),
	}
	env.audit = NewAuditSink(env.logs, logger)
	env.tokens = NewTokenManager(env.credentials, env.client, env.audit, logger, 5*time.Minute)
	env.resolver = NewContactResolver(env.contacts, logger)

	validator, err := NewPayloadValidator()
	require.NoError(t, err)

	env.reconciler = NewReconciler(env.tokens, env.client, env.resolver, Stores{
		Contacts:   env.contacts,
		Invoices:   env.invoices,
		Payments:   env.payments,
		SyncStates: env.states,
		SyncLogs:   env.logs,
	}, env.audit, validator, logger, 3)
	env.backfill = NewBackfillOrchestrator(jobstore.NewMemoryStore(), env.tokens, env.client, env.reconciler, env.audit, logger, 2, false)
	t.Cleanup(func() { _ = env.backfill.Shutdown(context.Background()) })

	require.NoError(t, env.credentials.Create(context.Background(), &models.Credential{
		ID:           "cred-1",
		TenantID:     testTenant,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Active:       true,
	}))
	return env
}

func strPtr(s string) *string { return &s }

// seedInvoice creates a contact and an outbound invoice already linked to
// remote ids, so payments can be pushed without cascading.
func (e *testEnv) seedInvoice(t *testing.T) *models.InvoiceFields {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.contacts.Create(ctx, &models.Contact{
		ID: "contact-1", TenantID: testTenant, Name: "Acme Pte. Ltd.", ActsAsCustomer: true,
		RemoteContactID: strPtr("rc-acme"),
	}))
	invoice := &models.InvoiceFields{
		ID:              "inv-1",
		TenantID:        testTenant,
		ContactID:       "contact-1",
		Number:          "INV-001",
		Currency:        "SGD",
		Total:           300,
		AmountDue:       300,
		Status:          models.InvoiceStatusAuthorised,
		IssueDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RemoteInvoiceID: strPtr("ri-existing"),
	}
	require.NoError(t, e.invoices.Create(ctx, models.DirectionOutbound, invoice))
	return invoice
}

func (e *testEnv) seedPayment(t *testing.T, id string, amount float64, reference string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		ID:               id,
		TenantID:         testTenant,
		InvoiceID:        "inv-1",
		InvoiceDirection: models.DirectionOutbound,
		ContactID:        "contact-1",
		Amount:           amount,
		Currency:         "SGD",
		Date:             time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Reference:        strPtr(reference),
		Status:           models.PaymentStatusPaid,
	}
	require.NoError(t, e.payments.Create(context.Background(), payment))
	return payment
}

func (e *testEnv) logCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.SyncLog{}).Count(&n).Error)
	return n
}
