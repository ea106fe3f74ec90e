package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/percebe-mail/percebe/internal/codec"
	"github.com/percebe-mail/percebe/internal/config"
)

func testAccount() config.Account {
	return config.Account{
		Nombre:       "personal",
		SMTPServer:   "smtp.example.com",
		SMTPPort:     587,
		SMTPUser:     "user@example.com",
		SMTPPassword: "secret",
	}
}

func testMessage() *codec.Message {
	return &codec.Message{
		From:    "ana@example.com",
		Subject: "informe",
		Date:    "Fri, 14 Mar 2025 09:00:00 +0000",
	}
}

func newTestQueue(t *testing.T) (*Queue, string, time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	return q, path, base
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 960 * time.Second},
		{5, 1920 * time.Second},
		{6, 3600 * time.Second},
		{7, 3600 * time.Second},
		{49, 3600 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOpen(t *testing.T) {
	t.Run("missing file yields empty queue", func(t *testing.T) {
		q, err := Open(filepath.Join(t.TempDir(), FileName))
		if err != nil {
			t.Fatalf("Open() unexpected error: %v", err)
		}
		if q.Len() != 0 {
			t.Errorf("Len() = %d, want 0", q.Len())
		}
	})

	t.Run("malformed file errors with usable empty queue", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), FileName)
		if err := os.WriteFile(path, []byte("[broken"), 0644); err != nil {
			t.Fatal(err)
		}
		q, err := Open(path)
		if err == nil {
			t.Error("Open() expected error for malformed file")
		}
		if q == nil || q.Len() != 0 {
			t.Error("Open() did not return a usable empty queue")
		}
	})
}

func TestEnqueue(t *testing.T) {
	q, path, base := newTestQueue(t)

	if err := q.Enqueue(testAccount(), testMessage(), "Facturas", "dest@example.com", true); err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	items := q.Snapshot()
	item := items[0]
	if item.Intentos != 0 {
		t.Errorf("Intentos = %d, want 0", item.Intentos)
	}
	if want := base.Add(60 * time.Second).Unix(); item.ProximoIntento != want {
		t.Errorf("ProximoIntento = %d, want %d (60s after enqueue)", item.ProximoIntento, want)
	}
	if item.TimestampCreacion != base.Format(time.RFC3339) {
		t.Errorf("TimestampCreacion = %q", item.TimestampCreacion)
	}
	if item.Cuenta.SMTPServer != "smtp.example.com" || item.Cuenta.SMTPPort != 587 {
		t.Errorf("account snapshot mismatch: %+v", item.Cuenta)
	}
	if item.Regla != "Facturas" || item.Destinatario != "dest@example.com" || !item.IncluirAdjuntos {
		t.Errorf("item fields mismatch: %+v", item)
	}

	// The document hits disk before Enqueue returns.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("queue file not written: %v", err)
	}
}

func TestDue(t *testing.T) {
	q, _, base := newTestQueue(t)

	q.Enqueue(testAccount(), testMessage(), "r", "first@example.com", false)
	q.Enqueue(testAccount(), testMessage(), "r", "second@example.com", false)

	if due := q.Due(base); len(due) != 0 {
		t.Errorf("Due(enqueue time) = %d items, want 0 before the backoff elapses", len(due))
	}

	due := q.Due(base.Add(60 * time.Second))
	if len(due) != 2 {
		t.Fatalf("Due() = %d items, want 2", len(due))
	}
	if due[0].Destinatario != "first@example.com" || due[1].Destinatario != "second@example.com" {
		t.Errorf("Due() lost insertion order: %q, %q", due[0].Destinatario, due[1].Destinatario)
	}
}

func TestRemove(t *testing.T) {
	q, _, base := newTestQueue(t)
	q.Enqueue(testAccount(), testMessage(), "r", "dest@example.com", false)

	item := q.Due(base.Add(time.Hour))[0]
	if err := q.Remove(item); err != nil {
		t.Fatalf("Remove() unexpected error: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", q.Len())
	}
	if err := q.Remove(item); err != ErrNotFound {
		t.Errorf("second Remove() = %v, want ErrNotFound", err)
	}
}

func TestReschedule(t *testing.T) {
	q, _, base := newTestQueue(t)
	q.Enqueue(testAccount(), testMessage(), "r", "dest@example.com", false)
	item := q.Due(base.Add(time.Hour))[0]

	dropped, err := q.Reschedule(item)
	if err != nil {
		t.Fatalf("Reschedule() unexpected error: %v", err)
	}
	if dropped {
		t.Fatal("Reschedule() dropped on the first failure")
	}
	if item.Intentos != 1 {
		t.Errorf("Intentos = %d, want 1", item.Intentos)
	}
	if want := base.Add(120 * time.Second).Unix(); item.ProximoIntento != want {
		t.Errorf("ProximoIntento = %d, want %d (120s backoff after first failure)", item.ProximoIntento, want)
	}

	dropped, err = q.Reschedule(item)
	if err != nil || dropped {
		t.Fatalf("second Reschedule() = %v, %v", dropped, err)
	}
	if want := base.Add(240 * time.Second).Unix(); item.ProximoIntento != want {
		t.Errorf("ProximoIntento = %d, want %d (240s backoff)", item.ProximoIntento, want)
	}
}

func TestRescheduleDropsAtCap(t *testing.T) {
	q, _, base := newTestQueue(t)
	q.Enqueue(testAccount(), testMessage(), "r", "dest@example.com", false)
	item := q.Due(base.Add(time.Hour))[0]

	item.Intentos = MaxAttempts - 1
	dropped, err := q.Reschedule(item)
	if err != nil {
		t.Fatalf("Reschedule() unexpected error: %v", err)
	}
	if !dropped {
		t.Error("Reschedule() did not drop at the attempt cap")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drop, want 0", q.Len())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	q, path, base := newTestQueue(t)

	msg := testMessage()
	msg.Attachments = []codec.Attachment{
		{Filename: "datos.bin", ContentType: "application/octet-stream", Data: []byte{0x00, 0xFF, 0x10}},
	}
	if err := q.Enqueue(testAccount(), msg, "Facturas", "dest@example.com", true); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after restart failed: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("Len() = %d after reopen, want 1", reopened.Len())
	}
	item := reopened.Snapshot()[0]
	if item.Mensaje.Subject != "informe" {
		t.Errorf("Subject = %q after reopen", item.Mensaje.Subject)
	}
	if item.ProximoIntento != base.Add(60*time.Second).Unix() {
		t.Errorf("ProximoIntento lost across restart: %d", item.ProximoIntento)
	}
	if len(item.Mensaje.Attachments) != 1 || string(item.Mensaje.Attachments[0].Data) != "\x00\xff\x10" {
		t.Errorf("attachment bytes lost across restart: %+v", item.Mensaje.Attachments)
	}
}

func TestDocumentFieldNames(t *testing.T) {
	q, path, _ := newTestQueue(t)
	if err := q.Enqueue(testAccount(), testMessage(), "r", "dest@example.com", false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Admin tooling reads this document; the field names are a contract.
	for _, key := range []string{
		`"cuenta"`, `"mensaje"`, `"regla"`, `"destinatario"`, `"incluir_adjuntos"`,
		`"intentos"`, `"proximo_intento"`, `"timestamp_creacion"`,
		`"smtp_server"`, `"smtp_port"`, `"smtp_user"`, `"smtp_password"`,
	} {
		if !strings.Contains(string(data), key) {
			t.Errorf("queue document missing field %s", key)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.Enqueue(testAccount(), testMessage(), "r", "dest@example.com", false)

	snap := q.Snapshot()
	snap[0].Destinatario = "tampered@example.com"

	if q.Snapshot()[0].Destinatario != "dest@example.com" {
		t.Error("Snapshot() shares storage with the queue")
	}
}
