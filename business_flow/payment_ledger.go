package businessflow

import (
	"context"
	"strings"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// PaymentLedger is the idempotency gate in front of the crediting transaction.
// It tracks provider-side status only; it never creates ledger transactions.
type PaymentLedger interface {
	FindByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentRecord, error)
	MarkPaid(ctx context.Context, record *models.PaymentRecord, event *services.PaymentEvent) (*models.PaymentRecord, error)
	MarkStatus(ctx context.Context, record *models.PaymentRecord, event *services.PaymentEvent) (*models.PaymentRecord, error)
	Register(ctx context.Context, record *models.PaymentRecord) error
}

// PaymentLedgerImpl implements PaymentLedger on top of the payment record repository
type PaymentLedgerImpl struct {
	recordRepo repository.PaymentRecordRepository
}

func NewPaymentLedger(recordRepo repository.PaymentRecordRepository) PaymentLedger {
	return &PaymentLedgerImpl{recordRepo: recordRepo}
}

func (l *PaymentLedgerImpl) FindByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.PaymentRecord, error) {
	if externalID == "" {
		return nil, NewBusinessError("EXTERNAL_ID_REQUIRED", "External id is required", ErrExternalIDRequired)
	}
	record, err := l.recordRepo.ByProviderAndExternalID(ctx, provider, externalID)
	if err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_LOOKUP_FAILED", "Failed to lookup payment record", err)
	}
	if record == nil {
		return nil, NewBusinessErrorf("PAYMENT_RECORD_NOT_FOUND", "No payment record for %s/%s", ErrPaymentRecordNotFound, provider, externalID)
	}
	return record, nil
}

// MarkPaid moves the record to paid. paid_at keeps its first value, so replays are harmless.
func (l *PaymentLedgerImpl) MarkPaid(ctx context.Context, record *models.PaymentRecord, event *services.PaymentEvent) (*models.PaymentRecord, error) {
	paidAt := utils.UTCNow()
	if event != nil && !event.OccurredAt.IsZero() {
		paidAt = event.OccurredAt.UTC()
	}

	if err := l.recordRepo.UpdateStatus(ctx, record.ID, models.PaymentRecordStatusPaid, &paidAt); err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_UPDATE_FAILED", "Failed to mark payment record paid", err)
	}
	if err := l.recordRepo.MergeMetadata(ctx, record.ID, eventMetadata(event)); err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_UPDATE_FAILED", "Failed to store payment metadata", err)
	}

	return l.reload(ctx, record.ID)
}

// MarkStatus applies a non-paid status reported by the provider.
// Pending events only refresh metadata and a paid record is never downgraded.
func (l *PaymentLedgerImpl) MarkStatus(ctx context.Context, record *models.PaymentRecord, event *services.PaymentEvent) (*models.PaymentRecord, error) {
	if event == nil {
		return record, nil
	}
	if event.IsPaid() {
		return l.MarkPaid(ctx, record, event)
	}

	if event.Status == services.EventStatusFailed && !record.IsPaid() {
		status := terminalStatusFor(event)
		if err := l.recordRepo.UpdateStatus(ctx, record.ID, status, nil); err != nil {
			return nil, NewBusinessError("PAYMENT_RECORD_UPDATE_FAILED", "Failed to update payment record status", err)
		}
	}
	if err := l.recordRepo.MergeMetadata(ctx, record.ID, eventMetadata(event)); err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_UPDATE_FAILED", "Failed to store payment metadata", err)
	}

	return l.reload(ctx, record.ID)
}

// Register persists a new pending record; a second record for the same
// provider and external id is rejected.
func (l *PaymentLedgerImpl) Register(ctx context.Context, record *models.PaymentRecord) error {
	if record.ExternalID == "" {
		return NewBusinessError("EXTERNAL_ID_REQUIRED", "External id is required", ErrExternalIDRequired)
	}
	if record.Status == "" {
		record.Status = models.PaymentRecordStatusPending
	}
	if err := l.recordRepo.Save(ctx, record); err != nil {
		if repository.IsUniqueViolation(err) {
			return NewBusinessErrorf("PAYMENT_RECORD_EXISTS", "Payment record %s/%s already exists", ErrPaymentRecordExists, record.Provider, record.ExternalID)
		}
		return NewBusinessError("PAYMENT_RECORD_CREATE_FAILED", "Failed to create payment record", err)
	}
	return nil
}

func (l *PaymentLedgerImpl) reload(ctx context.Context, id uint) (*models.PaymentRecord, error) {
	record, err := l.recordRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_LOOKUP_FAILED", "Failed to reload payment record", err)
	}
	if record == nil {
		return nil, NewBusinessErrorf("PAYMENT_RECORD_NOT_FOUND", "Payment record %d disappeared", ErrPaymentRecordNotFound, id)
	}
	return record, nil
}

// terminalStatusFor narrows a failed event to expired or cancelled when the
// provider's raw status says so
func terminalStatusFor(event *services.PaymentEvent) models.PaymentRecordStatus {
	for _, key := range []string{"oxapay_status", "atipay_status", "bank_link_status"} {
		raw, ok := event.Metadata[key].(string)
		if !ok {
			continue
		}
		raw = strings.ToLower(raw)
		switch {
		case strings.Contains(raw, "expired"):
			return models.PaymentRecordStatusExpired
		case strings.Contains(raw, "cancel"):
			return models.PaymentRecordStatusCancelled
		}
	}
	return models.PaymentRecordStatusFailed
}

func eventMetadata(event *services.PaymentEvent) map[string]any {
	if event == nil {
		return nil
	}
	out := make(map[string]any, len(event.Metadata)+4)
	for k, v := range event.Metadata {
		out[k] = v
	}
	out["event_status"] = string(event.Status)
	if event.Amount > 0 {
		out["reported_amount"] = event.Amount
	}
	if !event.RawAmount.IsZero() {
		out["raw_amount"] = event.RawAmount.String()
		out["raw_currency"] = event.RawCurrency
	}
	return out
}
