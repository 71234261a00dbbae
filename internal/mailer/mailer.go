// Package mailer defines the SMTP submission boundary and a net/smtp-
// backed reference implementation.
package mailer

import "context"

// Mailer submits body to to over SMTP. Implementations must honour ctx's
// deadline so the single-threaded event loop never blocks past its
// configured timeout.
type Mailer interface {
	Send(ctx context.Context, to string, body []byte) error
}
