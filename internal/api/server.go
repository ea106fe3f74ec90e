// Package api implements the control RPC: a TCP server exchanging one JSON
// request and one JSON response per connection.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/percebe-mail/percebe/internal/config"
	"github.com/percebe-mail/percebe/internal/logging"
	"github.com/percebe-mail/percebe/internal/mailbox"
	"github.com/percebe-mail/percebe/internal/queue"
)

// Wire timing. The accept deadline keeps shutdown responsive; the read
// deadline ends a request when the client pauses with data buffered.
const (
	acceptWake  = 1 * time.Second
	readTimeout = 5 * time.Second
	chunkSize   = 4096
)

// request is the union of all command payloads.
type request struct {
	Command  string         `json:"command"`
	Config   *config.Config `json:"config"`
	LogType  string         `json:"log_type"`
	CuentaID *int           `json:"cuenta_id"`
}

// retryEntry is the get_retry_queue row shape admin clients consume.
type retryEntry struct {
	Asunto            string `json:"asunto"`
	Destinatario      string `json:"destinatario"`
	Intentos          int    `json:"intentos"`
	ProximoIntento    int64  `json:"proximo_intento"`
	TimestampCreacion string `json:"timestamp_creacion"`
}

// TestConnFunc validates an account's IMAP credentials.
type TestConnFunc func(config.Account) error

// Server accepts control connections on api_port.
type Server struct {
	store    *config.Store
	queue    *queue.Queue
	sinks    *logging.Sinks
	logger   *logging.Logger
	testConn TestConnFunc

	ln   *net.TCPListener
	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer wires the RPC to the live config store, retry queue and sinks.
func NewServer(store *config.Store, q *queue.Queue, sinks *logging.Sinks, logger *logging.Logger) *Server {
	return &Server{
		store:    store,
		queue:    q,
		sinks:    sinks,
		logger:   logger.API(),
		testConn: mailbox.TestConnection,
	}
}

// Start binds 0.0.0.0:port and launches the accept loop.
func (s *Server) Start(port int) error {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("invalid API address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind API port %d: %w", port, err)
	}

	s.ln = ln
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Control RPC started", "port", port)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.ln == nil {
		return
	}
	close(s.done)
	s.ln.Close()
	s.wg.Wait()
	s.logger.Info("Control RPC stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.ln.SetDeadline(time.Now().Add(acceptWake))
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.WithError(err).Error("Accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves one request/response exchange. A handler failure turns
// into an error reply; the acceptor never dies with the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panic", "panic", fmt.Sprint(r))
			writeResponse(conn, statusError(fmt.Sprint(r)))
		}
	}()

	body, err := readRequest(conn)
	if err != nil {
		s.logger.WithError(err).Warn("Bad request framing", "remote", conn.RemoteAddr().String())
		writeResponse(conn, statusError(err.Error()))
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(conn, statusError(err.Error()))
		return
	}

	s.logger.Debug("Command received", "command", req.Command, "remote", conn.RemoteAddr().String())
	writeResponse(conn, s.dispatch(req))
}

// readRequest reads the length-undelimited frame: 4 KiB chunks until EOF, a
// short chunk, or a read timeout with data already buffered. The heuristic
// is load-bearing for deployed clients; do not replace it with length
// prefixes until they migrate.
func readRequest(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() && buf.Len() > 0 {
				break
			}
			return nil, fmt.Errorf("read failed: %w", err)
		}
		if n < chunkSize {
			break
		}
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("empty request")
	}
	return buf.Bytes(), nil
}

func (s *Server) dispatch(req request) any {
	switch req.Command {
	case "get_config":
		return okData(s.store.Snapshot())

	case "set_config":
		if req.Config == nil {
			return statusError("Error al guardar")
		}
		if err := s.store.Replace(req.Config); err != nil {
			s.sinks.Error("Error al guardar configuración: %v", err)
			s.logger.WithError(err).Error("set_config rejected")
			return statusError("Error al guardar")
		}
		s.logger.Info("Configuration replaced via RPC")
		return okMessage("Configuración guardada")

	case "get_logs":
		lines, err := s.sinks.Lines(req.LogType)
		if err != nil {
			return statusError(err.Error())
		}
		return okData(lines)

	case "get_retry_queue":
		items := s.queue.Snapshot()
		entries := make([]retryEntry, len(items))
		for i, item := range items {
			entries[i] = retryEntry{
				Asunto:            item.Mensaje.Subject,
				Destinatario:      item.Destinatario,
				Intentos:          item.Intentos,
				ProximoIntento:    item.ProximoIntento,
				TimestampCreacion: item.TimestampCreacion,
			}
		}
		return okData(entries)

	case "test_connection":
		if req.CuentaID == nil {
			return statusError("Cuenta no válida")
		}
		acct, ok := s.store.Account(*req.CuentaID)
		if !ok {
			return statusError("Cuenta no válida")
		}
		if err := s.testConn(acct); err != nil {
			return statusError(err.Error())
		}
		return okMessage("Conexión exitosa")
	}

	return statusError("Comando desconocido")
}

func okData(data any) any {
	return map[string]any{"status": "ok", "data": data}
}

func okMessage(msg string) any {
	return map[string]any{"status": "ok", "message": msg}
}

func statusError(msg string) any {
	return map[string]any{"status": "error", "message": msg}
}

func writeResponse(conn net.Conn, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"status":"error","message":"internal encoding error"}`)
	}
	conn.SetWriteDeadline(time.Now().Add(readTimeout))
	conn.Write(data)
}
