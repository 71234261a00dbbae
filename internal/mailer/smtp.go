package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// SMTPMailer submits mail via a relay host using net/smtp, with a
// dial/command timeout bounded by its configured timeout regardless of
// whether the caller's context already carries a deadline.
type SMTPMailer struct {
	relayAddr string // host:port of the outbound SMTP relay
	from      string
	localName string
	timeout   time.Duration
}

// NewSMTP constructs a reference Mailer that relays through relayAddr,
// sending with envelope-from from. timeout bounds every dial/command
// round trip so a hung relay never blocks the caller past it.
func NewSMTP(relayAddr, from, localName string, timeout time.Duration) *SMTPMailer {
	return &SMTPMailer{relayAddr: relayAddr, from: from, localName: localName, timeout: timeout}
}

// Send implements Mailer. The dial and every command are bounded by
// m.timeout; net/smtp's per-command calls are otherwise synchronous, so
// the connection deadline is the main defense against a hung relay.
func (m *SMTPMailer) Send(ctx context.Context, to string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	var dialer net.Dialer
	dialer.Timeout = time.Until(deadline)

	conn, err := dialer.DialContext(ctx, "tcp", m.relayAddr)
	if err != nil {
		return fmt.Errorf("mailer: dial %s: %w", m.relayAddr, err)
	}
	defer conn.Close()

	conn.SetDeadline(deadline)

	host, _, _ := net.SplitHostPort(m.relayAddr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("mailer: smtp handshake with %s: %w", m.relayAddr, err)
	}
	defer client.Close()

	if m.localName != "" {
		if err := client.Hello(m.localName); err != nil {
			return fmt.Errorf("mailer: HELO: %w", err)
		}
	}
	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("mailer: MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("mailer: RCPT TO %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mailer: DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("mailer: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mailer: close body: %w", err)
	}

	return client.Quit()
}
