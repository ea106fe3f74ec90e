// Package queue implements the durable retry queue for failed deliveries.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/percebe-mail/percebe/internal/codec"
	"github.com/percebe-mail/percebe/internal/config"
)

// Retry policy. Attempt k waits min(BaseDelay·2^k, MaxDelay); an item that
// fails MaxAttempts times is dropped.
const (
	BaseDelay   = 60 * time.Second
	MaxDelay    = 3600 * time.Second
	MaxAttempts = 50
)

// FileName is the queue document inside the config directory.
const FileName = "retry_queue.json"

// ErrNotFound is returned when an item is no longer in the queue.
var ErrNotFound = errors.New("retry item not found")

// AccountSnapshot carries what a later retry needs to reconnect.
type AccountSnapshot struct {
	SMTPServer   string `json:"smtp_server"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPassword string `json:"smtp_password"`
}

// Item is one pending delivery: a full message snapshot addressed to a
// single recipient. Attachment bytes ride along (base64 in the document),
// so a rebuild needs nothing outside the item.
type Item struct {
	Cuenta            AccountSnapshot `json:"cuenta"`
	Mensaje           codec.Message   `json:"mensaje"`
	Regla             string          `json:"regla"`
	Destinatario      string          `json:"destinatario"`
	IncluirAdjuntos   bool            `json:"incluir_adjuntos"`
	Intentos          int             `json:"intentos"`
	ProximoIntento    int64           `json:"proximo_intento"`
	TimestampCreacion string          `json:"timestamp_creacion"`
}

// Queue is the in-memory view of the retry document. Every mutation
// persists the whole document atomically before returning; the file and
// memory never diverge past a failed write, which is reported to the
// caller.
type Queue struct {
	mu    sync.Mutex
	path  string
	items []*Item
	now   func() time.Time
}

// Open loads the queue document at path. A missing file yields an empty
// queue; a malformed file is an error (the caller decides whether to start
// empty).
func Open(path string) (*Queue, error) {
	q := &Queue{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return q, fmt.Errorf("failed to read retry queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return &Queue{path: path, now: time.Now}, fmt.Errorf("failed to parse retry queue: %w", err)
	}
	return q, nil
}

// Enqueue adds a failed delivery for a single recipient. The first retry is
// scheduled BaseDelay from now.
func (q *Queue) Enqueue(acct config.Account, msg *codec.Message, ruleName, recipient string, includeAttachments bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.items = append(q.items, &Item{
		Cuenta: AccountSnapshot{
			SMTPServer:   acct.SMTPServer,
			SMTPPort:     acct.SMTPPort,
			SMTPUser:     acct.SMTPUser,
			SMTPPassword: acct.SMTPPassword,
		},
		Mensaje:           *msg,
		Regla:             ruleName,
		Destinatario:      recipient,
		IncluirAdjuntos:   includeAttachments,
		Intentos:          0,
		ProximoIntento:    now.Add(backoffDelay(0)).Unix(),
		TimestampCreacion: now.Format(time.RFC3339),
	})
	return q.persist()
}

// Due returns the items eligible to retry (next attempt at or before now),
// in insertion order. Callers treat the items as read-only and hand them
// back through Remove or Reschedule.
func (q *Queue) Due(now time.Time) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Item
	for _, item := range q.items {
		if item.ProximoIntento <= now.Unix() {
			due = append(due, item)
		}
	}
	return due
}

// Remove deletes a delivered (or abandoned) item.
func (q *Queue) Remove(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(item)
	if idx < 0 {
		return ErrNotFound
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return q.persist()
}

// Reschedule records a failed attempt. The attempt counter advances and the
// next try backs off exponentially; at MaxAttempts the item is removed and
// dropped reports true so the caller can log the loss.
func (q *Queue) Reschedule(item *Item) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(item)
	if idx < 0 {
		return false, ErrNotFound
	}

	item.Intentos++
	if item.Intentos >= MaxAttempts {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		return true, q.persist()
	}

	item.ProximoIntento = q.now().Add(backoffDelay(item.Intentos)).Unix()
	return false, q.persist()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of every item for the control RPC.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// indexOf locates an item by identity; callers hold the lock.
func (q *Queue) indexOf(item *Item) int {
	for i, candidate := range q.items {
		if candidate == item {
			return i
		}
	}
	return -1
}

// persist writes the whole document atomically; callers hold the lock.
// Writes happen inside the critical section, which is acceptable because
// they are small and infrequent.
func (q *Queue) persist() error {
	items := q.items
	if items == nil {
		items = []*Item{}
	}
	data, err := json.MarshalIndent(items, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal retry queue: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".retry-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp queue file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

// backoffDelay returns min(BaseDelay·2^attempts, MaxDelay).
func backoffDelay(attempts int) time.Duration {
	if attempts > 6 { // 60s·2^6 already exceeds the cap
		return MaxDelay
	}
	delay := BaseDelay << uint(attempts)
	if delay > MaxDelay {
		return MaxDelay
	}
	return delay
}
