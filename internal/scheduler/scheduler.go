// Package scheduler drives the polling cycle: retry pass first, then every
// active account in order.
package scheduler

import (
	"context"
	"time"

	"github.com/percebe-mail/percebe/internal/config"
	"github.com/percebe-mail/percebe/internal/delivery"
	"github.com/percebe-mail/percebe/internal/logging"
	"github.com/percebe-mail/percebe/internal/mailbox"
)

// Scheduler owns the cycle loop. Accounts run serially within a cycle; the
// control RPC is the only concurrent activity.
type Scheduler struct {
	store     *config.Store
	sequencer *delivery.Sequencer
	processor *mailbox.Processor
	logger    *logging.Logger
}

// New builds a scheduler over the live config store.
func New(store *config.Store, seq *delivery.Sequencer, proc *mailbox.Processor, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		sequencer: seq,
		processor: proc,
		logger:    logger.Scheduler(),
	}
}

// Run loops until the context is cancelled. The interval is re-read from
// the live config every cycle, so a set_config takes effect at the next
// tick. Cancellation exits after the in-flight account completes.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started")
	for {
		s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Scheduler stopped")
			return
		}

		interval := s.store.Interval()
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("Scheduler stopped")
			return
		case <-t.C:
		}
	}
}

// RunCycle executes one pass: drain the eligible retry items, then poll
// every active account. Transient outages drain before new mail so retried
// deliveries keep their original order.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.logger.Info("Cycle started")

	s.sequencer.RetryPass(ctx)

	cfg := s.store.Snapshot()
	for _, cuenta := range cfg.Cuentas {
		if ctx.Err() != nil {
			return
		}
		if !cuenta.Active() {
			continue
		}
		s.logger.Info("Checking account", "account", cuenta.Nombre)
		// Session failures are already logged; the cycle moves on so one
		// broken account never blocks the others.
		_ = s.processor.Process(ctx, cuenta)
	}

	s.logger.Info("Cycle completed")
}
