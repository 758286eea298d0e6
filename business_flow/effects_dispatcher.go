package businessflow

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Effect names
const (
	EffectUserMessage  = "user_message"
	EffectAdminMessage = "admin_message"
	EffectAutoPurchase = "auto_purchase"
	EffectPublish      = "publish_event"
)

// Trigger names the path that produced a credit
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPoll    Trigger = "poll"
	TriggerSweep   Trigger = "sweep"
)

// CreditedPayment is everything the effects need after a fresh credit
type CreditedPayment struct {
	Record   *models.PaymentRecord
	Event    *services.PaymentEvent
	Credit   *CreditResult
	User     *models.User
	Referral *ReferralResult
	Trigger  Trigger
}

// EffectError is one failed effect; it wraps ErrDownstreamEffectFailure
type EffectError struct {
	Effect string
	Err    error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %s: %v", e.Effect, e.Err)
}

func (e *EffectError) Unwrap() error {
	return e.Err
}

// EffectResult lists what ran and what failed; it is logged and discarded
type EffectResult struct {
	Executed []string
	Skipped  []string
	Errors   []*EffectError
}

func (r *EffectResult) Failed() bool {
	return len(r.Errors) > 0
}

// Err joins all effect failures, or returns nil
func (r *EffectResult) Err() error {
	if !r.Failed() {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// EffectsDispatcher runs post-credit side effects outside the crediting transaction
type EffectsDispatcher interface {
	Dispatch(ctx context.Context, payment CreditedPayment) *EffectResult
}

// EffectsDispatcherImpl implements EffectsDispatcher
type EffectsDispatcherImpl struct {
	notifier      services.Notifier
	autoPurchaser AutoPurchaser
	publisher     services.EventPublisher
	topic         string
	timeout       time.Duration
	audit         *auditor
	logger        *zap.Logger
}

func NewEffectsDispatcher(
	notifier services.Notifier,
	autoPurchaser AutoPurchaser,
	publisher services.EventPublisher,
	topic string,
	timeout time.Duration,
	auditRepo repository.AuditLogRepository,
	logger *zap.Logger,
) EffectsDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EffectsDispatcherImpl{
		notifier:      notifier,
		autoPurchaser: autoPurchaser,
		publisher:     publisher,
		topic:         topic,
		timeout:       timeout,
		audit:         newAuditor(auditRepo, logger),
		logger:        logger.Named("effects"),
	}
}

// Dispatch runs every effect in order. A failing or panicking effect is
// recorded and the remaining ones still run.
func (d *EffectsDispatcherImpl) Dispatch(ctx context.Context, payment CreditedPayment) *EffectResult {
	result := &EffectResult{}
	if payment.Credit == nil || payment.Credit.AlreadyCredited || payment.User == nil {
		return result
	}

	if d.notifier != nil {
		d.run(ctx, result, payment, EffectUserMessage, func(ctx context.Context) error {
			return d.notifier.SendUserMessage(ctx, payment.User.TelegramID, userCreditedMessage(payment), nil)
		})
	} else {
		result.Skipped = append(result.Skipped, EffectUserMessage)
	}

	if d.autoPurchaser != nil {
		d.run(ctx, result, payment, EffectAutoPurchase, func(ctx context.Context) error {
			return d.autoPurchase(ctx, payment)
		})
	} else {
		result.Skipped = append(result.Skipped, EffectAutoPurchase)
	}

	if d.notifier != nil {
		d.run(ctx, result, payment, EffectAdminMessage, func(ctx context.Context) error {
			return d.notifier.SendAdminMessage(ctx, adminCreditedMessage(payment))
		})
	} else {
		result.Skipped = append(result.Skipped, EffectAdminMessage)
	}

	if d.publisher != nil && d.topic != "" {
		d.run(ctx, result, payment, EffectPublish, func(ctx context.Context) error {
			return d.publisher.Publish(ctx, d.topic, strconv.FormatUint(uint64(payment.User.ID), 10), creditedEventPayload(payment))
		})
	} else {
		result.Skipped = append(result.Skipped, EffectPublish)
	}

	for _, e := range result.Errors {
		effectFailuresTotal.WithLabelValues(e.Effect).Inc()
		d.logger.Warn("post-credit effect failed",
			zap.String("effect", e.Effect),
			zap.Uint("payment_record_id", payment.Record.ID),
			zap.Uint("user_id", payment.User.ID),
			zap.Error(e.Err))
		d.audit.record(ctx, auditEntry{
			UserID:      &payment.User.ID,
			Action:      models.AuditActionEffectFailed,
			Description: fmt.Sprintf("Effect %s failed for payment %s", e.Effect, payment.Record.UUID),
			Success:     false,
			Err:         e.Err,
			Metadata: map[string]any{
				"effect":            e.Effect,
				"payment_record_id": payment.Record.ID,
				"trigger":           payment.Trigger,
			},
		}, nil)
	}

	return result
}

func (d *EffectsDispatcherImpl) run(ctx context.Context, result *EffectResult, payment CreditedPayment, name string, fn func(context.Context) error) {
	ectx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("post-credit effect panicked",
					zap.String("effect", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ectx)
	}()

	result.Executed = append(result.Executed, name)
	if err != nil {
		result.Errors = append(result.Errors, &EffectError{
			Effect: name,
			Err:    fmt.Errorf("%w: %w", ErrDownstreamEffectFailure, err),
		})
	}
}

// autoPurchase buys the saved cart and tells the user. An unaffordable cart is not a failure.
func (d *EffectsDispatcherImpl) autoPurchase(ctx context.Context, payment CreditedPayment) error {
	has, err := d.autoPurchaser.HasSavedCart(ctx, payment.User.ID)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}

	purchase, err := d.autoPurchaser.AttemptAutoPurchase(ctx, payment.User)
	if err != nil {
		if IsInsufficientFunds(err) {
			d.logger.Info("saved cart not affordable yet",
				zap.Uint("user_id", payment.User.ID),
				zap.Int64("balance", payment.Credit.BalanceAfter))
			return nil
		}
		return err
	}
	if purchase == nil || purchase.Duplicate || d.notifier == nil {
		return nil
	}

	return d.notifier.SendUserMessage(ctx, payment.User.TelegramID, autoPurchaseMessage(purchase), nil)
}

func formatUnits(v int64) string {
	return humanize.Comma(v) + " " + utils.TomanCurrency
}

func userCreditedMessage(p CreditedPayment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Your balance was topped up by <b>%s</b>.\n", formatUnits(p.Credit.Transaction.Amount))
	fmt.Fprintf(&b, "New balance: <b>%s</b>", formatUnits(p.Credit.BalanceAfter))
	return b.String()
}

func autoPurchaseMessage(r *AutoPurchaseResult) string {
	return fmt.Sprintf("🛒 Your saved plan <b>%s</b> was purchased automatically for %s.\nRemaining balance: %s",
		html.EscapeString(r.Cart.PlanName), formatUnits(r.Cart.Price), formatUnits(r.BalanceAfter))
}

func adminCreditedMessage(p CreditedPayment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💰 <b>Payment credited</b> (%s)\n", p.Trigger)
	fmt.Fprintf(&b, "User: %d", p.User.ID)
	if p.User.Username != "" {
		fmt.Fprintf(&b, " @%s", html.EscapeString(p.User.Username))
	}
	fmt.Fprintf(&b, " (tg %d)\n", p.User.TelegramID)
	fmt.Fprintf(&b, "Provider: %s\nExternal id: <code>%s</code>\n", p.Record.Provider, html.EscapeString(p.Record.ExternalID))
	if p.Event != nil && !p.Event.RawAmount.IsZero() {
		fmt.Fprintf(&b, "Paid: %s %s\n", p.Event.RawAmount.String(), html.EscapeString(p.Event.RawCurrency))
	}
	fmt.Fprintf(&b, "Amount: %s\n", formatUnits(p.Credit.Transaction.Amount))
	fmt.Fprintf(&b, "Balance: %s → %s", formatUnits(p.Credit.BalanceBefore), formatUnits(p.Credit.BalanceAfter))
	if p.Referral != nil && p.Referral.Referrer != nil {
		fmt.Fprintf(&b, "\nReferrer: %d, paid %s", p.Referral.Referrer.ID, formatUnits(p.Referral.Total()))
	}
	return b.String()
}

func creditedEventPayload(p CreditedPayment) map[string]any {
	payload := map[string]any{
		"payment_record_uuid": p.Record.UUID.String(),
		"provider":            p.Record.Provider,
		"external_id":         p.Record.ExternalID,
		"user_id":             p.User.ID,
		"telegram_id":         p.User.TelegramID,
		"amount":              p.Credit.Transaction.Amount,
		"transaction_uuid":    p.Credit.Transaction.UUID.String(),
		"balance_before":      p.Credit.BalanceBefore,
		"balance_after":       p.Credit.BalanceAfter,
		"trigger":             p.Trigger,
		"credited_at":         p.Credit.Transaction.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.Event != nil {
		payload["raw_amount"] = p.Event.RawAmount.String()
		payload["raw_currency"] = p.Event.RawCurrency
	}
	if p.Referral != nil && p.Referral.Referrer != nil {
		payload["referrer_id"] = p.Referral.Referrer.ID
		payload["referral_paid"] = p.Referral.Total()
	}
	return payload
}
