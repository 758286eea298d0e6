// Package scheduler runs the periodic background jobs of the engine
package scheduler

import (
	"context"
	"time"

	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"go.uber.org/zap"
)

// Sweeper is the part of the reconciliation flow the scheduler drives
type Sweeper interface {
	SweepPending(ctx context.Context) (*businessflow.SweepResult, error)
}

// PaymentSweepScheduler periodically reconciles stale pending payments so a
// lost webhook never leaves a paid payment uncredited
type PaymentSweepScheduler struct {
	sweeper  Sweeper
	logger   *zap.Logger
	interval time.Duration
}

func NewPaymentSweepScheduler(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *PaymentSweepScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentSweepScheduler{
		sweeper:  sweeper,
		logger:   logger.Named("payment_sweep"),
		interval: interval,
	}
}

// Start launches the sweep loop in a background goroutine and returns a stop
// function. Stop cancels the loop and blocks until the running sweep returns.
func (s *PaymentSweepScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	s.logger.Info("Payment sweep scheduler started", zap.Duration("interval", s.interval))

	return func() {
		cancel()
		<-done
		s.logger.Info("Payment sweep scheduler stopped")
	}
}

// runOnce sweeps once. A sweep slower than the interval delays the next tick
// instead of overlapping it.
func (s *PaymentSweepScheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Payment sweep panicked", zap.Any("panic", r))
		}
	}()

	result, err := s.sweeper.SweepPending(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Payment sweep failed", zap.Error(err))
		return
	}
	if result == nil || result.Scanned == 0 {
		return
	}

	s.logger.Info("Payment sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("credited", result.Credited),
		zap.Int("already_credited", result.AlreadyCredited),
		zap.Int("pending", result.Pending),
		zap.Int("failed", result.Failed),
		zap.Int("unavailable", result.Unavailable),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", result.Duration),
	)
}
