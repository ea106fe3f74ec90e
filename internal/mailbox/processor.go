// Package mailbox polls IMAP accounts and routes unread messages through
// the forwarding rules.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/percebe-mail/percebe/internal/codec"
	"github.com/percebe-mail/percebe/internal/config"
	"github.com/percebe-mail/percebe/internal/logging"
	"github.com/percebe-mail/percebe/internal/rules"
)

// imapsPort is implicit: accounts configure only the IMAP host.
const imapsPort = "993"

// Dispatcher forwards one matched message per rule.
type Dispatcher interface {
	Dispatch(ctx context.Context, acct config.Account, msg *codec.Message, rule config.Rule) bool
}

// Processor runs one IMAP session per account and cycle.
type Processor struct {
	dispatcher Dispatcher
	sinks      *logging.Sinks
	logger     *logging.Logger
}

// NewProcessor wires a processor to the delivery sequencer and log sinks.
func NewProcessor(d Dispatcher, sinks *logging.Sinks, logger *logging.Logger) *Processor {
	return &Processor{dispatcher: d, sinks: sinks, logger: logger.IMAP()}
}

// Process handles one account pass: search UNSEEN, fetch, route, mark
// deleted, expunge. Session errors abandon the account for this cycle and
// leave every unread message in place.
func (p *Processor) Process(ctx context.Context, acct config.Account) error {
	client, err := imapclient.DialTLS(net.JoinHostPort(acct.IMAPServer, imapsPort), nil)
	if err != nil {
		return p.sessionError(acct, fmt.Errorf("connection failed: %w", err))
	}
	defer client.Close()

	if err := client.Login(acct.IMAPUser, acct.IMAPPassword).Wait(); err != nil {
		return p.sessionError(acct, fmt.Errorf("login failed: %w", err))
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return p.sessionError(acct, fmt.Errorf("INBOX select failed: %w", err))
	}

	searchData, err := client.Search(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return p.sessionError(acct, fmt.Errorf("UNSEEN search failed: %w", err))
	}

	nums := searchData.AllSeqNums()
	p.logger.Info("Mailbox checked", "account", acct.Nombre, "unseen", len(nums))
	p.sinks.Trace("Cuenta '%s': %d correos sin leer", acct.Nombre, len(nums))

	for _, num := range nums {
		if ctx.Err() != nil {
			break
		}

		raw, err := p.fetchMessage(client, num)
		if err != nil {
			// Leave the message unread; the next cycle retries the fetch.
			p.sinks.Error("Error procesando correo individual: %v", err)
			p.logger.WithError(err).Error("Fetch failed", "account", acct.Nombre, "seq", num)
			continue
		}

		if p.routeMessage(ctx, acct, raw) {
			p.markDeleted(client, num, acct)
		}
	}

	if err := client.Expunge().Close(); err != nil {
		p.sinks.Error("Error al purgar correos en '%s': %v", acct.Nombre, err)
	}
	client.Logout().Wait()
	return nil
}

// routeMessage parses and dispatches one message, reporting whether the
// source copy should be deleted. The marker check runs before any rule:
// a looped message is deleted without evaluation. Every active rule is
// evaluated in order; dispatch outcomes never block deletion because
// failed recipients already sit in the retry queue.
func (p *Processor) routeMessage(ctx context.Context, acct config.Account, raw []byte) bool {
	msg, err := codec.Parse(raw, p.sinks.Error)
	if err != nil {
		p.sinks.Error("Error procesando correo individual: %v", err)
		p.logger.WithError(err).Error("Message parse failed", "account", acct.Nombre)
		return false
	}

	p.sinks.Trace("--- PROCESANDO CORREO ---")
	p.sinks.Trace("De: %s", msg.From)
	p.sinks.Trace("Asunto: %s", msg.Subject)
	p.sinks.Trace("Adjuntos detectados: %d", len(msg.Attachments))

	if msg.IsForwarded() {
		p.sinks.Trace("Correo con marcador de reenvío, descartado sin evaluar reglas")
		p.logger.Debug("Loop marker detected, discarding", "subject", msg.Subject)
		return true
	}

	applied := 0
	for _, rule := range acct.Reglas {
		if !rule.Active() {
			continue
		}
		p.sinks.Trace("Evaluando regla: '%s'", rule.Nombre)
		if !rules.Matches(msg, &rule) {
			continue
		}
		p.sinks.Trace("Aplicando regla '%s' (adjuntos: %t)", rule.Nombre, rule.IncluirAdjuntos)
		if p.dispatcher.Dispatch(ctx, acct, msg, rule) {
			applied++
			p.logger.Info("Rule applied", "rule", rule.Nombre, "subject", msg.Subject)
		}
		// No early exit: every matching rule dispatches.
	}

	if applied == 0 {
		p.sinks.Trace("Ninguna regla coincidió con este correo")
	} else {
		p.sinks.Trace("Total de reglas aplicadas: %d", applied)
	}
	p.sinks.Trace("--- FIN PROCESAMIENTO ---")
	return true
}

// fetchMessage pulls the full RFC 822 bytes for one sequence number.
func (p *Processor) fetchMessage(client *imapclient.Client, num uint32) ([]byte, error) {
	fetchCmd := client.Fetch(imap.SeqSetNum(num), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{
			Specifier: imap.PartSpecifierNone,
			Peek:      true,
		}},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("no FETCH response for message %d", num)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if section, ok := item.(imapclient.FetchItemDataBodySection); ok {
			data, err := io.ReadAll(section.Literal)
			if err != nil {
				return nil, fmt.Errorf("failed to read message %d body: %w", num, err)
			}
			raw = data
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("FETCH failed for message %d: %w", num, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("FETCH for message %d returned no body", num)
	}
	return raw, nil
}

// markDeleted flags the source message; the expunge at session end removes
// it. Flagging instead of expunging per message keeps sequence numbers
// stable for the rest of the pass.
func (p *Processor) markDeleted(client *imapclient.Client, num uint32, acct config.Account) {
	err := client.Store(imap.SeqSetNum(num), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagDeleted},
		Silent: true,
	}, nil).Close()
	if err != nil {
		p.sinks.Error("Error al marcar correo para eliminación en '%s': %v", acct.Nombre, err)
		p.logger.WithError(err).Error("Store \\Deleted failed", "account", acct.Nombre, "seq", num)
		return
	}
	p.sinks.Trace("Correo marcado para eliminación")
}

// sessionError records an abandoned account pass.
func (p *Processor) sessionError(acct config.Account, err error) error {
	p.sinks.Error("Error procesando buzón '%s': %v", acct.Nombre, err)
	p.logger.WithError(err).Error("Mailbox session failed", "account", acct.Nombre)
	return err
}

// TestConnection dials and authenticates the account's IMAP endpoint, then
// logs out. Used by the control RPC's test_connection command.
func TestConnection(acct config.Account) error {
	client, err := imapclient.DialTLS(net.JoinHostPort(acct.IMAPServer, imapsPort), nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer client.Close()

	if err := client.Login(acct.IMAPUser, acct.IMAPPassword).Wait(); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	client.Logout().Wait()
	return nil
}
