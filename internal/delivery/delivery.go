// Package delivery fans matched messages out to their recipients and feeds
// the retry queue on transient failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/percebe-mail/percebe/internal/codec"
	"github.com/percebe-mail/percebe/internal/config"
	"github.com/percebe-mail/percebe/internal/logging"
	"github.com/percebe-mail/percebe/internal/queue"
)

// InterSendDelay separates consecutive SMTP transactions within one rule
// dispatch, to stay under provider rate limits and greylisting thresholds.
const InterSendDelay = 3 * time.Second

// ErrBuild marks a message that cannot be constructed. Build failures are
// permanent: retrying the same snapshot can never succeed.
var ErrBuild = errors.New("message build failed")

// SendFunc submits one finished message to one recipient.
type SendFunc func(ctx context.Context, acct queue.AccountSnapshot, recipient string, data []byte) error

// Sequencer serializes the per-recipient sends of a rule dispatch.
type Sequencer struct {
	queue  *queue.Queue
	sinks  *logging.Sinks
	logger *logging.Logger

	// Injection points for tests.
	send  SendFunc
	build func(smtpUser string, msg *codec.Message, recipient string, includeAttachments bool, now time.Time) ([]byte, error)
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// NewSequencer wires a sequencer to the live retry queue and log sinks.
func NewSequencer(q *queue.Queue, sinks *logging.Sinks, logger *logging.Logger) *Sequencer {
	return &Sequencer{
		queue:  q,
		sinks:  sinks,
		logger: logger.Delivery(),
		send:   SendSMTP,
		build:  codec.BuildForward,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Dispatch forwards one matched message to every recipient of the rule, in
// list order, pacing consecutive transactions by InterSendDelay. A build
// error drops the recipient; a send error enqueues a retry item for that
// recipient alone. Reports whether at least one recipient was delivered.
func (s *Sequencer) Dispatch(ctx context.Context, acct config.Account, msg *codec.Message, rule config.Rule) bool {
	if len(rule.Destinatarios) == 0 {
		s.sinks.Error("Regla '%s' no tiene destinatarios configurados", rule.Nombre)
		s.logger.Warn("Rule has no recipients", "rule", rule.Nombre)
		return false
	}

	snapshot := queue.AccountSnapshot{
		SMTPServer:   acct.SMTPServer,
		SMTPPort:     acct.SMTPPort,
		SMTPUser:     acct.SMTPUser,
		SMTPPassword: acct.SMTPPassword,
	}

	delivered := 0
	for i, recipient := range rule.Destinatarios {
		if i > 0 {
			s.sleep(ctx, InterSendDelay)
		}

		data, err := s.build(acct.SMTPUser, msg, recipient, rule.IncluirAdjuntos, s.now())
		if err != nil {
			s.sinks.Error("Error al construir correo para %s: %v", recipient, err)
			s.logger.WithError(err).Error("Dropping recipient, message build failed", "recipient", recipient)
			continue
		}

		if err := s.send(ctx, snapshot, recipient, data); err != nil {
			s.sinks.Error("Error al reenviar correo a %s: %v", recipient, err)
			s.logger.WithError(err).Warn("Send failed, scheduling retry",
				"recipient", recipient, "rule", rule.Nombre)
			if qerr := s.queue.Enqueue(acct, msg, rule.Nombre, recipient, rule.IncluirAdjuntos); qerr != nil {
				s.sinks.Error("Error al guardar reintento para %s: %v", recipient, qerr)
				s.logger.WithError(qerr).Error("Failed to enqueue retry item", "recipient", recipient)
			}
			continue
		}

		delivered++
		s.sinks.Forward(msg.Subject, rule.Nombre, recipient)
		s.logger.Info("Message forwarded", "rule", rule.Nombre, "recipient", recipient)
	}
	return delivered > 0
}

// Redeliver rebuilds a queued item and attempts a single send.
func (s *Sequencer) Redeliver(ctx context.Context, item *queue.Item) error {
	data, err := s.build(item.Cuenta.SMTPUser, &item.Mensaje, item.Destinatario, item.IncluirAdjuntos, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	return s.send(ctx, item.Cuenta, item.Destinatario, data)
}

// RetryPass drains every eligible item once, in insertion order. Successful
// sends leave the queue and hit the forward log; failures back off; build
// failures and items at the attempt cap are dropped with an error log.
func (s *Sequencer) RetryPass(ctx context.Context) {
	due := s.queue.Due(s.now())
	if len(due) == 0 {
		return
	}
	s.logger.Info("Processing retry queue", "eligible", len(due))

	for _, item := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.Redeliver(ctx, item)
		if err == nil {
			if rerr := s.queue.Remove(item); rerr != nil && !errors.Is(rerr, queue.ErrNotFound) {
				s.logger.WithError(rerr).Error("Failed to remove delivered retry item")
			}
			s.sinks.Forward(item.Mensaje.Subject, item.Regla, item.Destinatario)
			s.logger.Info("Retry delivered", "recipient", item.Destinatario, "attempts", item.Intentos)
			continue
		}

		if errors.Is(err, ErrBuild) {
			if rerr := s.queue.Remove(item); rerr != nil && !errors.Is(rerr, queue.ErrNotFound) {
				s.logger.WithError(rerr).Error("Failed to remove unbuildable retry item")
			}
			s.sinks.Error("Reintento descartado para %s: %v", item.Destinatario, err)
			s.logger.WithError(err).Error("Dropping unbuildable retry item", "recipient", item.Destinatario)
			continue
		}

		dropped, qerr := s.queue.Reschedule(item)
		if qerr != nil && !errors.Is(qerr, queue.ErrNotFound) {
			s.logger.WithError(qerr).Error("Failed to reschedule retry item")
			continue
		}
		if dropped {
			s.sinks.Error("Reintento descartado tras %d intentos para %s (asunto: %s)",
				queue.MaxAttempts, item.Destinatario, item.Mensaje.Subject)
			s.logger.Error("Retry item dropped at attempt cap",
				"recipient", item.Destinatario, "attempts", item.Intentos)
		} else {
			s.sinks.Trace("Reintento fallido para %s (intento %d), próximo en %d",
				item.Destinatario, item.Intentos, item.ProximoIntento)
			s.logger.WithError(err).Warn("Retry failed, backing off",
				"recipient", item.Destinatario, "attempts", item.Intentos)
		}
	}
}

// sleepContext pauses for d unless the context is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
