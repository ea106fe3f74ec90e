package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/percebe-mail/percebe/internal/queue"
)

// SessionTimeout bounds the whole SMTP transaction, dial included.
const SessionTimeout = 30 * time.Second

// loginAuth implements the LOGIN mechanism. The standard library only ships
// PLAIN and CRAM-MD5, and the configured providers expect LOGIN.
type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(info *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
}

// SendSMTP submits one message to a single recipient: dial with timeout,
// STARTTLS, LOGIN, MAIL/RCPT/DATA, QUIT. Any error here is a transient
// failure from the sequencer's point of view.
func SendSMTP(ctx context.Context, acct queue.AccountSnapshot, recipient string, data []byte) error {
	dialer := &net.Dialer{Timeout: SessionTimeout}
	addr := net.JoinHostPort(acct.SMTPServer, strconv.Itoa(acct.SMTPPort))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	// One deadline covers every command in the session.
	conn.SetDeadline(time.Now().Add(SessionTimeout))

	client, err := smtp.NewClient(conn, acct.SMTPServer)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); !ok {
		return fmt.Errorf("server %s does not offer STARTTLS", acct.SMTPServer)
	}
	if err := client.StartTLS(&tls.Config{ServerName: acct.SMTPServer}); err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}

	if err := client.Auth(&loginAuth{username: acct.SMTPUser, password: acct.SMTPPassword}); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if err := client.Mail(acct.SMTPUser); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("data write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close failed: %w", err)
	}

	client.Quit()
	return nil
}
