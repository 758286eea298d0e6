package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Outcome of applying one provider event
type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeAlreadyCredited Outcome = "already_credited"
	OutcomeStatusUpdated   Outcome = "status_updated"
	OutcomePending         Outcome = "pending"
	OutcomeUnavailable     Outcome = "unavailable"
)

// ApplyResult is the outcome of one webhook or poll
type ApplyResult struct {
	Outcome  Outcome
	Record   *models.PaymentRecord
	Event    *services.PaymentEvent
	Credit   *CreditResult
	Referral *ReferralResult
	Effects  *EffectResult
}

// PaymentStatus is what a manual status check reports
type PaymentStatus struct {
	Record   *models.PaymentRecord
	Status   models.PaymentRecordStatus
	IsPaid   bool
	Credited bool
	Outcome  Outcome

	// CreditedAmount is the ledger amount recorded when the payment was credited
	CreditedAmount int64
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Scanned         int
	Credited        int
	AlreadyCredited int
	Pending         int
	Failed          int
	Expired         int
	Unavailable     int
	Skipped         int
	Errors          int
	Duration        time.Duration
}

// ReconciliationFlow is the single entry point for provider events, whether
// pushed by webhooks or pulled by polls
type ReconciliationFlow interface {
	HandleWebhook(ctx context.Context, provider models.Provider, payload services.WebhookPayload, metadata *ClientMetadata) (*ApplyResult, error)
	CheckStatus(ctx context.Context, provider models.Provider, paymentID string) (*PaymentStatus, error)
	SweepPending(ctx context.Context) (*SweepResult, error)
	InitiatePayment(ctx context.Context, req *dto.InitiatePaymentRequest, metadata *ClientMetadata) (*dto.InitiatePaymentResponse, error)
}

// ReconciliationFlowImpl implements ReconciliationFlow
type ReconciliationFlowImpl struct {
	cfg        config.ReconciliationConfig
	channels   *services.ChannelRegistry
	ledger     PaymentLedger
	crediting  CreditingFlow
	referral   ReferralFlow
	effects    EffectsDispatcher
	userRepo   repository.UserRepository
	recordRepo repository.PaymentRecordRepository
	txRepo     repository.TransactionRepository
	audit      *auditor
	logger     *zap.Logger
}

func NewReconciliationFlow(
	cfg config.ReconciliationConfig,
	channels *services.ChannelRegistry,
	ledger PaymentLedger,
	crediting CreditingFlow,
	referral ReferralFlow,
	effects EffectsDispatcher,
	userRepo repository.UserRepository,
	recordRepo repository.PaymentRecordRepository,
	txRepo repository.TransactionRepository,
	auditRepo repository.AuditLogRepository,
	logger *zap.Logger,
) ReconciliationFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationFlowImpl{
		cfg:        cfg,
		channels:   channels,
		ledger:     ledger,
		crediting:  crediting,
		referral:   referral,
		effects:    effects,
		userRepo:   userRepo,
		recordRepo: recordRepo,
		txRepo:     txRepo,
		audit:      newAuditor(auditRepo, logger),
		logger:     logger.Named("reconciliation"),
	}
}

func (f *ReconciliationFlowImpl) channel(provider models.Provider) (services.PaymentChannel, error) {
	if !provider.IsValid() {
		return nil, NewBusinessErrorf("UNKNOWN_PROVIDER", "Unknown provider %q", ErrUnknownProvider, provider)
	}
	if !f.cfg.IsProviderEnabled(string(provider)) {
		return nil, NewBusinessErrorf("PROVIDER_DISABLED", "Provider %s is disabled", ErrProviderDisabled, provider)
	}
	ch, err := f.channels.Get(provider)
	if err != nil {
		return nil, NewBusinessErrorf("UNKNOWN_PROVIDER", "Provider %s is not configured", err, provider)
	}
	return ch, nil
}

// HandleWebhook authenticates and normalizes a delivery, then applies it.
// Processing is detached from the caller's cancellation so an accepted event
// runs to completion within WebhookTimeout.
func (f *ReconciliationFlowImpl) HandleWebhook(ctx context.Context, provider models.Provider, payload services.WebhookPayload, metadata *ClientMetadata) (*ApplyResult, error) {
	ch, err := f.channel(provider)
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), "rejected").Inc()
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if f.cfg.WebhookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.WebhookTimeout)
		defer cancel()
	}

	// Channels that confirm paid callbacks with the provider are parsed first,
	// so a replay for an already credited record never reaches the provider.
	confirming, needsConfirm := ch.(services.ConfirmingChannel)

	var event *services.PaymentEvent
	if needsConfirm {
		event, err = confirming.Parse(payload)
	} else {
		event, err = ch.Normalize(ctx, payload)
	}
	if err != nil {
		return nil, f.rejectWebhook(ctx, provider, payload, err, metadata)
	}
	if event.Provider == "" {
		event.Provider = provider
	}

	record, err := f.ledger.FindByExternalID(ctx, provider, event.ExternalID)
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), "unmatched").Inc()
		f.audit.record(ctx, auditEntry{
			Action:      models.AuditActionWebhookRejected,
			Description: fmt.Sprintf("Webhook from %s for unknown payment %s", provider, event.ExternalID),
			Success:     false,
			Err:         err,
			Metadata:    map[string]any{"provider": provider, "external_id": event.ExternalID, "status": event.Status},
		}, metadata)
		return nil, err
	}

	if needsConfirm && event.IsPaid() {
		if record.IsCredited() {
			result := f.reportDuplicate(ctx, &ApplyResult{
				Record: record,
				Event:  event,
				Credit: &CreditResult{Record: record, AlreadyCredited: true},
			}, TriggerWebhook, metadata)
			webhooksTotal.WithLabelValues(string(provider), string(result.Outcome)).Inc()
			return result, nil
		}
		event, err = confirming.Confirm(ctx, event)
		if err != nil {
			return nil, f.rejectWebhook(ctx, provider, payload, err, metadata)
		}
	}

	f.audit.record(ctx, auditEntry{
		UserID:      &record.UserID,
		Action:      models.AuditActionWebhookReceived,
		Description: fmt.Sprintf("Webhook from %s for %s: %s", provider, event.ExternalID, event.Status),
		Success:     true,
		Metadata:    map[string]any{"provider": provider, "external_id": event.ExternalID, "status": event.Status, "amount": event.Amount},
	}, metadata)

	result, err := f.applyEvent(ctx, record, event, TriggerWebhook, metadata)
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), "failed").Inc()
		return nil, err
	}
	webhooksTotal.WithLabelValues(string(provider), string(result.Outcome)).Inc()
	return result, nil
}

func (f *ReconciliationFlowImpl) rejectWebhook(ctx context.Context, provider models.Provider, payload services.WebhookPayload, err error, metadata *ClientMetadata) error {
	webhooksTotal.WithLabelValues(string(provider), "rejected").Inc()
	f.audit.record(ctx, auditEntry{
		Action:      models.AuditActionWebhookRejected,
		Description: fmt.Sprintf("Webhook from %s rejected", provider),
		Success:     false,
		Err:         err,
		Metadata:    map[string]any{"provider": provider, "body_size": len(payload.Body)},
	}, metadata)
	return NewBusinessErrorf("WEBHOOK_REJECTED", "Webhook from %s rejected", err, provider)
}

// reportDuplicate marks result as a recognised replay of a credited payment
func (f *ReconciliationFlowImpl) reportDuplicate(ctx context.Context, result *ApplyResult, trigger Trigger, metadata *ClientMetadata) *ApplyResult {
	record := result.Record
	result.Outcome = OutcomeAlreadyCredited
	creditsTotal.WithLabelValues(string(record.Provider), "duplicate").Inc()
	f.audit.record(ctx, auditEntry{
		UserID:      &record.UserID,
		Action:      models.AuditActionPaymentCreditDup,
		Description: fmt.Sprintf("%s/%s already credited", record.Provider, record.ExternalID),
		Success:     true,
		Metadata:    map[string]any{"trigger": trigger, "transaction_id": record.TransactionID},
	}, metadata)
	return result
}

// applyEvent is the only path from a provider event to a balance mutation
func (f *ReconciliationFlowImpl) applyEvent(ctx context.Context, record *models.PaymentRecord, event *services.PaymentEvent, trigger Trigger, metadata *ClientMetadata) (*ApplyResult, error) {
	result := &ApplyResult{Record: record, Event: event}

	if !event.IsPaid() {
		updated, err := f.ledger.MarkStatus(ctx, record, event)
		if err != nil {
			return nil, err
		}
		result.Record = updated
		result.Outcome = OutcomePending
		if event.Status == services.EventStatusFailed {
			result.Outcome = OutcomeStatusUpdated
		}
		return result, nil
	}

	// A credited record answers replays as duplicates whatever amount they carry
	provider := string(record.Provider)
	if event.Amount <= 0 && !record.IsCredited() {
		creditsTotal.WithLabelValues(provider, "invalid_amount").Inc()
		err := NewBusinessErrorf("INVALID_AMOUNT", "Provider reported %d units for %s", ErrInvalidAmount, event.Amount, record.ExternalID)
		f.audit.record(ctx, auditEntry{
			UserID:      &record.UserID,
			Action:      models.AuditActionPaymentCreditFailed,
			Description: fmt.Sprintf("Refused to credit %s/%s", record.Provider, record.ExternalID),
			Success:     false,
			Err:         err,
			Metadata:    map[string]any{"trigger": trigger, "amount": event.Amount, "raw_amount": event.RawAmount.String()},
		}, metadata)
		return nil, err
	}

	record, err := f.ledger.MarkPaid(ctx, record, event)
	if err != nil {
		return nil, err
	}
	result.Record = record

	credit, err := f.crediting.Credit(ctx, record.ID, event.Amount, map[string]any{
		"trigger":      trigger,
		"raw_amount":   event.RawAmount.String(),
		"raw_currency": event.RawCurrency,
		"rate":         event.Metadata["rate"],
		"rate_source":  event.Metadata["rate_source"],
	})
	if err != nil {
		creditsTotal.WithLabelValues(provider, "failed").Inc()
		f.audit.record(ctx, auditEntry{
			UserID:      &record.UserID,
			Action:      models.AuditActionPaymentCreditFailed,
			Description: fmt.Sprintf("Crediting %s/%s failed", record.Provider, record.ExternalID),
			Success:     false,
			Err:         err,
			Metadata:    map[string]any{"trigger": trigger, "amount": event.Amount},
		}, metadata)
		return nil, err
	}
	result.Credit = credit
	result.Record = credit.Record

	if credit.AlreadyCredited {
		return f.reportDuplicate(ctx, result, trigger, metadata), nil
	}

	result.Outcome = OutcomeCredited
	creditsTotal.WithLabelValues(provider, "credited").Inc()
	creditedAmountTotal.WithLabelValues(provider).Add(float64(credit.Transaction.Amount))
	f.logger.Info("payment credited",
		zap.String("provider", provider),
		zap.String("external_id", record.ExternalID),
		zap.Uint("user_id", record.UserID),
		zap.Int64("amount", credit.Transaction.Amount),
		zap.Int64("balance_after", credit.BalanceAfter),
		zap.String("trigger", string(trigger)))
	f.audit.record(ctx, auditEntry{
		UserID:      &record.UserID,
		Action:      models.AuditActionPaymentCredited,
		Description: fmt.Sprintf("Credited %d units from %s/%s", credit.Transaction.Amount, record.Provider, record.ExternalID),
		Success:     true,
		Metadata: map[string]any{
			"trigger":        trigger,
			"transaction_id": credit.Transaction.ID,
			"balance_before": credit.BalanceBefore,
			"balance_after":  credit.BalanceAfter,
			"rate":           event.Metadata["rate"],
			"rate_source":    event.Metadata["rate_source"],
		},
	}, metadata)

	// The cascade and effects never undo the primary credit
	if f.referral != nil {
		referral, err := f.referral.Apply(ctx, credit)
		if err != nil {
			f.logger.Error("referral cascade failed",
				zap.Uint("transaction_id", credit.Transaction.ID),
				zap.Error(err))
			f.audit.record(ctx, auditEntry{
				UserID:      &record.UserID,
				Action:      models.AuditActionReferralFailed,
				Description: fmt.Sprintf("Referral cascade failed for transaction %d", credit.Transaction.ID),
				Success:     false,
				Err:         err,
			}, metadata)
		}
		result.Referral = referral
	}

	if f.effects != nil {
		user := credit.User
		if user == nil {
			user, _ = f.userRepo.ByID(ctx, record.UserID)
		}
		result.Effects = f.effects.Dispatch(ctx, CreditedPayment{
			Record:   result.Record,
			Event:    event,
			Credit:   credit,
			User:     user,
			Referral: result.Referral,
			Trigger:  trigger,
		})
	}

	return result, nil
}

// lookupRecord accepts a record UUID or the provider's external id
func (f *ReconciliationFlowImpl) lookupRecord(ctx context.Context, provider models.Provider, paymentID string) (*models.PaymentRecord, error) {
	if _, err := uuid.Parse(paymentID); err == nil {
		record, err := f.recordRepo.ByUUID(ctx, paymentID)
		if err != nil {
			return nil, NewBusinessError("PAYMENT_RECORD_LOOKUP_FAILED", "Failed to lookup payment record", err)
		}
		if record != nil && record.Provider == provider {
			return record, nil
		}
	}
	return f.ledger.FindByExternalID(ctx, provider, paymentID)
}

func (f *ReconciliationFlowImpl) CheckStatus(ctx context.Context, provider models.Provider, paymentID string) (*PaymentStatus, error) {
	ch, err := f.channel(provider)
	if err != nil {
		return nil, err
	}
	record, err := f.lookupRecord(ctx, provider, paymentID)
	if err != nil {
		return nil, err
	}

	// Credited and closed records have nothing left to learn from the provider
	if record.IsCredited() || (record.IsTerminal() && !record.IsPaid()) {
		return f.statusOf(ctx, record, OutcomeAlreadyCredited), nil
	}

	result, err := f.pollRecord(ctx, ch, record, TriggerPoll)
	if err != nil {
		return nil, err
	}
	return f.statusOf(ctx, result.Record, result.Outcome), nil
}

func (f *ReconciliationFlowImpl) statusOf(ctx context.Context, record *models.PaymentRecord, outcome Outcome) *PaymentStatus {
	if !record.IsCredited() && outcome == OutcomeAlreadyCredited {
		outcome = OutcomeStatusUpdated
	}
	status := &PaymentStatus{
		Record:   record,
		Status:   record.Status,
		IsPaid:   record.IsPaid(),
		Credited: record.IsCredited(),
		Outcome:  outcome,
	}
	if record.TransactionID != nil {
		tx, err := f.txRepo.ByID(ctx, *record.TransactionID)
		if err != nil {
			f.logger.Warn("failed to load credited transaction",
				zap.Uint("payment_record_id", record.ID),
				zap.Uint("transaction_id", *record.TransactionID),
				zap.Error(err))
		} else if tx != nil {
			status.CreditedAmount = tx.Amount
		}
	}
	return status
}

// pollRecord asks the provider for the current status and applies it.
// An unavailable provider leaves the record as it is apart from last_polled_at.
func (f *ReconciliationFlowImpl) pollRecord(ctx context.Context, ch services.PaymentChannel, record *models.PaymentRecord, trigger Trigger) (*ApplyResult, error) {
	provider := string(record.Provider)

	pctx := ctx
	if f.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, f.cfg.PollTimeout)
		defer cancel()
	}
	event, err := ch.PollStatus(pctx, record.ExternalID)

	if touchErr := f.recordRepo.TouchPolled(ctx, record.ID, utils.UTCNow()); touchErr != nil {
		f.logger.Warn("failed to stamp last_polled_at", zap.Uint("payment_record_id", record.ID), zap.Error(touchErr))
	}

	if err != nil {
		if IsProviderUnavailable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(pctx.Err(), context.DeadlineExceeded) {
			pollsTotal.WithLabelValues(provider, string(OutcomeUnavailable)).Inc()
			f.audit.record(ctx, auditEntry{
				UserID:      &record.UserID,
				Action:      models.AuditActionPaymentPollFailed,
				Description: fmt.Sprintf("Provider %s unavailable for %s", provider, record.ExternalID),
				Success:     false,
				Err:         err,
				Metadata:    map[string]any{"trigger": trigger},
			}, nil)
			return &ApplyResult{Outcome: OutcomeUnavailable, Record: record}, nil
		}
		pollsTotal.WithLabelValues(provider, "error").Inc()
		f.audit.record(ctx, auditEntry{
			UserID:      &record.UserID,
			Action:      models.AuditActionPaymentPollFailed,
			Description: fmt.Sprintf("Polling %s/%s failed", provider, record.ExternalID),
			Success:     false,
			Err:         err,
			Metadata:    map[string]any{"trigger": trigger},
		}, nil)
		return nil, NewBusinessErrorf("POLL_FAILED", "Polling %s/%s failed", err, provider, record.ExternalID)
	}
	if event.Provider == "" {
		event.Provider = record.Provider
	}
	if event.ExternalID == "" {
		event.ExternalID = record.ExternalID
	}

	f.audit.record(ctx, auditEntry{
		UserID:      &record.UserID,
		Action:      models.AuditActionPaymentPolled,
		Description: fmt.Sprintf("Polled %s/%s: %s", provider, record.ExternalID, event.Status),
		Success:     true,
		Metadata:    map[string]any{"trigger": trigger, "status": event.Status, "amount": event.Amount},
	}, nil)

	result, err := f.applyEvent(ctx, record, event, trigger, nil)
	if err != nil {
		pollsTotal.WithLabelValues(provider, "error").Inc()
		return nil, err
	}
	pollsTotal.WithLabelValues(provider, string(result.Outcome)).Inc()
	return result, nil
}

// SweepPending polls every stale, uncredited record. One record failing does
// not stop the sweep; a cancelled context does.
func (f *ReconciliationFlowImpl) SweepPending(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	sweepsTotal.Inc()

	result := &SweepResult{}
	defer func() { result.Duration = time.Since(start) }()

	now := utils.UTCNow()
	records, err := f.recordRepo.ListStale(ctx, now.Add(-f.cfg.SweepStaleAfter), now.Add(-f.cfg.SweepRepollAfter), f.cfg.SweepBatchSize)
	if err != nil {
		return nil, NewBusinessError("SWEEP_LIST_FAILED", "Failed to list stale payment records", err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		ch, err := f.channel(record.Provider)
		if err != nil {
			result.Skipped++
			continue
		}

		applied, err := f.pollRecord(ctx, ch, record, TriggerSweep)
		if err != nil {
			result.Errors++
			f.logger.Warn("sweep could not reconcile record",
				zap.Uint("payment_record_id", record.ID),
				zap.String("provider", string(record.Provider)),
				zap.Error(err))
			continue
		}

		if applied.Outcome == OutcomePending && f.pendingExpired(applied.Record, now) {
			if err := f.expire(ctx, applied.Record); err != nil {
				result.Errors++
				f.logger.Warn("sweep could not expire record",
					zap.Uint("payment_record_id", record.ID),
					zap.Error(err))
				continue
			}
			result.Expired++
			continue
		}

		switch applied.Outcome {
		case OutcomeCredited:
			result.Credited++
		case OutcomeAlreadyCredited:
			result.AlreadyCredited++
		case OutcomeStatusUpdated:
			result.Failed++
		case OutcomeUnavailable:
			result.Unavailable++
		default:
			result.Pending++
		}
	}

	f.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("credited", result.Credited),
		zap.Int("already_credited", result.AlreadyCredited),
		zap.Int("pending", result.Pending),
		zap.Int("failed", result.Failed),
		zap.Int("expired", result.Expired),
		zap.Int("unavailable", result.Unavailable),
		zap.Int("errors", result.Errors))

	return result, nil
}

// pendingExpired reports whether a record the provider still calls pending is
// past PendingMaxAge or past the expiry the provider gave when it was issued
func (f *ReconciliationFlowImpl) pendingExpired(record *models.PaymentRecord, now time.Time) bool {
	if record == nil || record.Status != models.PaymentRecordStatusPending {
		return false
	}
	if f.cfg.PendingMaxAge > 0 && now.Sub(record.CreatedAt) > f.cfg.PendingMaxAge {
		return true
	}
	if len(record.Metadata) == 0 {
		return false
	}
	var meta map[string]any
	if err := json.Unmarshal(record.Metadata, &meta); err != nil {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, cast.ToString(meta["expires_at"]))
	if err != nil {
		return false
	}
	return now.After(expiresAt)
}

// expire closes an abandoned pending record so later sweeps skip it
func (f *ReconciliationFlowImpl) expire(ctx context.Context, record *models.PaymentRecord) error {
	if err := f.recordRepo.UpdateStatus(ctx, record.ID, models.PaymentRecordStatusExpired, nil); err != nil {
		return err
	}
	if err := f.recordRepo.MergeMetadata(ctx, record.ID, map[string]any{"expired_by": string(TriggerSweep)}); err != nil {
		return err
	}
	pollsTotal.WithLabelValues(string(record.Provider), "expired").Inc()
	f.audit.record(ctx, auditEntry{
		UserID:      &record.UserID,
		Action:      models.AuditActionPaymentExpired,
		Description: fmt.Sprintf("Expired unpaid %s/%s", record.Provider, record.ExternalID),
		Success:     true,
		Metadata:    map[string]any{"created_at": record.CreatedAt.UTC().Format(time.RFC3339)},
	}, nil)
	return nil
}

// InitiatePayment starts tracking a payment: issuing channels create an
// invoice, the others register an id the bot already obtained.
func (f *ReconciliationFlowImpl) InitiatePayment(ctx context.Context, req *dto.InitiatePaymentRequest, metadata *ClientMetadata) (*dto.InitiatePaymentResponse, error) {
	if req == nil {
		return nil, NewBusinessError("PAYMENT_VALIDATION_FAILED", "Payment request is required", ErrInvalidPayload)
	}
	provider := models.Provider(req.Provider)
	ch, err := f.channel(provider)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return nil, NewBusinessErrorf("INVALID_AMOUNT", "Invalid amount %q", ErrInvalidAmount, req.Amount)
	}

	user, err := f.userRepo.ByTelegramID(ctx, req.TelegramID)
	if err != nil {
		return nil, NewBusinessError("USER_LOOKUP_FAILED", "Failed to lookup user", err)
	}
	if user == nil {
		return nil, NewBusinessErrorf("USER_NOT_FOUND", "No user with telegram id %d", ErrUserNotFound, req.TelegramID)
	}

	subject := models.PaymentSubjectBalanceTopup
	if req.Subject != "" {
		subject = models.PaymentSubject(req.Subject)
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = utils.TomanCurrency
	}

	record := &models.PaymentRecord{
		UserID:      user.ID,
		Provider:    provider,
		ExternalID:  req.ExternalID,
		Amount:      amount,
		Currency:    currency,
		Subject:     subject,
		Status:      models.PaymentRecordStatusPending,
		Description: req.Description,
		PaymentURL:  req.PaymentURL,
	}

	var expiresAt *time.Time
	recordMeta := map[string]any{"requested_amount": amount.String(), "requested_currency": currency}

	if req.ExternalID == "" {
		issuer, ok := ch.(services.InvoiceIssuer)
		if !ok {
			return nil, NewBusinessErrorf("EXTERNAL_ID_REQUIRED", "Provider %s needs an external id", ErrInvoiceNotSupported, provider)
		}
		orderID := uuid.NewString()
		invoice, err := issuer.CreateInvoice(ctx, services.InvoiceRequest{
			OrderID:     orderID,
			Amount:      amount,
			Currency:    currency,
			Description: req.Description,
			Email:       req.Email,
		})
		if err != nil {
			return nil, NewBusinessErrorf("INVOICE_CREATION_FAILED", "Failed to create %s invoice", err, provider)
		}
		record.ExternalID = invoice.ExternalID
		record.Amount = invoice.Amount
		record.Currency = invoice.Currency
		record.PaymentURL = invoice.PaymentURL
		expiresAt = invoice.ExpiresAt
		recordMeta["order_id"] = orderID
		for k, v := range invoice.Metadata {
			recordMeta[k] = v
		}
	}
	if expiresAt != nil {
		recordMeta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(recordMeta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment metadata: %w", err)
	}
	record.Metadata = raw

	if err := f.ledger.Register(ctx, record); err != nil {
		return nil, err
	}

	f.audit.record(ctx, auditEntry{
		UserID:      &user.ID,
		Action:      models.AuditActionPaymentInitiated,
		Description: fmt.Sprintf("Payment %s/%s initiated for %s %s", provider, record.ExternalID, record.Amount.String(), record.Currency),
		Success:     true,
		Metadata:    map[string]any{"payment_record_uuid": record.UUID.String(), "subject": subject},
	}, metadata)

	resp := &dto.InitiatePaymentResponse{
		UUID:       record.UUID.String(),
		Provider:   string(record.Provider),
		ExternalID: record.ExternalID,
		Amount:     record.Amount.String(),
		Currency:   record.Currency,
		PaymentURL: record.PaymentURL,
		Status:     string(record.Status),
		CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if expiresAt != nil {
		resp.ExpiresAt = utils.ToPtr(expiresAt.UTC().Format(time.RFC3339))
	}
	return resp, nil
}
