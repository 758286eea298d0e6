package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSignatureHeader = "X-Test-Signature"

// scriptedChannel is a bank-link style channel whose webhooks are plain JSON
// and whose poll answers are set by the test
type scriptedChannel struct {
	provider models.Provider

	mu        sync.Mutex
	polls     map[string]*services.PaymentEvent
	pollErr   error
	pollCalls int
	invoices  int
}

func newScriptedChannel(provider models.Provider) *scriptedChannel {
	return &scriptedChannel{provider: provider, polls: map[string]*services.PaymentEvent{}}
}

func (c *scriptedChannel) Provider() models.Provider { return c.provider }

func (c *scriptedChannel) Normalize(ctx context.Context, payload services.WebhookPayload) (*services.PaymentEvent, error) {
	if payload.Header(testSignatureHeader) != "ok" {
		return nil, fmt.Errorf("%w: bad signature", services.ErrInvalidPayload)
	}
	var body map[string]any
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidPayload, err)
	}
	id := cast.ToString(body["id"])
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", services.ErrInvalidPayload)
	}
	return c.event(id, services.EventStatus(cast.ToString(body["status"])), cast.ToInt64(body["amount"])), nil
}

func (c *scriptedChannel) event(id string, status services.EventStatus, amount int64) *services.PaymentEvent {
	ev := &services.PaymentEvent{
		Provider:    c.provider,
		ExternalID:  id,
		RawAmount:   decimal.NewFromInt(amount),
		RawCurrency: "TMN",
		Status:      status,
		OccurredAt:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Subject:     models.PaymentSubjectBalanceTopup,
		Metadata:    map[string]any{"bank_link_status": string(status)},
	}
	if status == services.EventStatusPaid {
		ev.Amount = amount
	}
	return ev
}

func (c *scriptedChannel) setPoll(id string, status services.EventStatus, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[id] = c.event(id, status, amount)
}

func (c *scriptedChannel) setPollErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErr = err
}

func (c *scriptedChannel) PollStatus(ctx context.Context, externalID string) (*services.PaymentEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollCalls++
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if ev, ok := c.polls[externalID]; ok {
		cp := *ev
		return &cp, nil
	}
	return c.event(externalID, services.EventStatusPending, 0), nil
}

func (c *scriptedChannel) CreateInvoice(ctx context.Context, req services.InvoiceRequest) (*services.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoices++
	id := fmt.Sprintf("inv-%d", c.invoices)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return &services.Invoice{
		ExternalID: id,
		PaymentURL: "https://pay.test/" + id,
		Amount:     req.Amount,
		Currency:   req.Currency,
		ExpiresAt:  &expires,
		Metadata:   map[string]any{"order_id_echo": req.OrderID},
	}, nil
}

// noInvoiceChannel wraps a channel without exposing CreateInvoice
type noInvoiceChannel struct{ services.PaymentChannel }

func webhook(id string, status services.EventStatus, amount int64) services.WebhookPayload {
	raw, _ := json.Marshal(map[string]any{"id": id, "status": status, "amount": amount})
	return services.WebhookPayload{Body: raw, Headers: map[string]string{testSignatureHeader: "ok"}}
}

// mockNotifier lets tests script notifier failures
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendUserMessage(ctx context.Context, telegramID int64, text string, keyboard services.Keyboard) error {
	return m.Called(telegramID, text).Error(0)
}

func (m *mockNotifier) SendAdminMessage(ctx context.Context, text string) error {
	return m.Called(text).Error(0)
}

// recordingPublisher keeps published messages in memory
type recordingPublisher struct {
	mu       sync.Mutex
	messages []map[string]any
	panicMsg string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, message any) error {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message.(map[string]any))
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.messages))
	copy(out, p.messages)
	return out
}

func testReconciliationConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		MinTopupForBonus:  1000,
		CommissionPercent: 10,
		ReferredUserBonus: 20,
		InviterFixedBonus: 50,
		EnabledProviders:  []string{"crypto_invoice", "card_gateway", "chat_micropay", "bank_link"},
		PollTimeout:       time.Second,
		SweepInterval:     time.Minute,
		SweepStaleAfter:   time.Minute,
		SweepBatchSize:    50,
		WebhookTimeout:    5 * time.Second,
		EffectTimeout:     time.Second,
	}
}

// testEngine wires the whole crediting pipeline against an in-memory database
type testEngine struct {
	db       *testingutil.TestDB
	fixtures *testingutil.TestFixtures
	cfg      config.ReconciliationConfig

	userRepo    repository.UserRepository
	recordRepo  repository.PaymentRecordRepository
	txRepo      repository.TransactionRepository
	earningRepo repository.ReferralEarningRepository
	cartRepo    repository.SavedCartRepository
	auditRepo   repository.AuditLogRepository

	ledger    PaymentLedger
	crediting CreditingFlow
	referral  ReferralFlow
	purchaser AutoPurchaser
	effects   EffectsDispatcher
	flow      ReconciliationFlow

	notifier  *services.MockNotifier
	publisher *recordingPublisher
	channel   *scriptedChannel
}

func newTestEngine(t *testing.T, cfg config.ReconciliationConfig, extra ...services.PaymentChannel) *testEngine {
	t.Helper()

	testDB, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.Cleanup() })

	e := &testEngine{
		db:          testDB,
		fixtures:    testingutil.NewTestFixtures(testDB),
		cfg:         cfg,
		userRepo:    repository.NewUserRepository(testDB.DB),
		recordRepo:  repository.NewPaymentRecordRepository(testDB.DB),
		txRepo:      repository.NewTransactionRepository(testDB.DB),
		earningRepo: repository.NewReferralEarningRepository(testDB.DB),
		cartRepo:    repository.NewSavedCartRepository(testDB.DB),
		auditRepo:   repository.NewAuditLogRepository(testDB.DB),
		notifier:    services.NewMockNotifier(nil),
		publisher:   &recordingPublisher{},
		channel:     newScriptedChannel(models.ProviderBankLink),
	}

	logger := zap.NewNop()
	e.ledger = NewPaymentLedger(e.recordRepo)
	e.crediting = NewCreditingFlow(e.recordRepo, e.userRepo, e.txRepo, testDB.DB, logger)
	e.referral = NewReferralFlow(cfg, e.userRepo, e.txRepo, e.earningRepo, e.auditRepo, testDB.DB, logger)
	e.purchaser = NewAutoPurchaseFlow(e.cartRepo, e.userRepo, e.txRepo, e.auditRepo, testDB.DB, logger)
	e.effects = NewEffectsDispatcher(e.notifier, e.purchaser, e.publisher, "payment.credited", cfg.EffectTimeout, e.auditRepo, logger)

	channels := append([]services.PaymentChannel{e.channel}, extra...)
	registry, err := services.NewChannelRegistry(channels...)
	require.NoError(t, err)

	e.flow = NewReconciliationFlow(cfg, registry, e.ledger, e.crediting, e.referral, e.effects, e.userRepo, e.recordRepo, e.txRepo, e.auditRepo, logger)
	return e
}

func (e *testEngine) user(t *testing.T, balance int64, referrerID *uint) *models.User {
	t.Helper()
	u, err := e.fixtures.CreateTestUser(balance, referrerID)
	require.NoError(t, err)
	return u
}

func (e *testEngine) record(t *testing.T, userID uint, externalID string, amount int64) *models.PaymentRecord {
	t.Helper()
	r, err := e.fixtures.CreateTestPaymentRecord(userID, e.channel.provider, externalID, decimal.NewFromInt(amount), "TMN")
	require.NoError(t, err)
	return r
}

func (e *testEngine) balance(t *testing.T, userID uint) int64 {
	t.Helper()
	u, err := e.userRepo.ByID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u.Balance
}

func (e *testEngine) completedTransactions(t *testing.T, method, externalID string) []*models.Transaction {
	t.Helper()
	txs, err := e.txRepo.ByFilter(context.Background(), models.TransactionFilter{
		PaymentMethod: &method,
		ExternalID:    &externalID,
		IsCompleted:   utils.ToPtr(true),
	}, "", 0, 0)
	require.NoError(t, err)
	return txs
}

// assertLedgerBalanced checks balance == credits - spends for the user
func (e *testEngine) assertLedgerBalanced(t *testing.T, userID uint) {
	t.Helper()
	sum, err := e.txRepo.SumCompletedByUser(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, sum, e.balance(t, userID), "balance drifted from ledger for user %d", userID)
}
