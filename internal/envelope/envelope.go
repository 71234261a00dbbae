// Package envelope parses and renders the RFC-5322-style outbound pool
// file format: header lines, a blank line, then a base64 body.
// Every envelope carries either a To header (SMTP exit) or both NextHop
// and Expire headers (peer forwarding), never both, never neither.
package envelope

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/coderelay/mixnode/internal/errs"
)

const expireDateFmt = "2006-01-02"

// Envelope is a parsed outbound pool file.
type Envelope struct {
	To      string    // set for an SMTP-exit envelope
	NextHop string    // set for a peer-forwarding envelope
	Expire  time.Time // set for a peer-forwarding envelope
	Body    []byte    // decoded payload bytes
}

// NewExit builds an SMTP-exit envelope.
func NewExit(to string, body []byte) *Envelope {
	return &Envelope{To: to, Body: body}
}

// NewForward builds a peer-forwarding envelope.
func NewForward(nextHop string, expire time.Time, body []byte) *Envelope {
	return &Envelope{NextHop: nextHop, Expire: expire, Body: body}
}

// IsExit reports whether this is an SMTP-exit envelope.
func (e *Envelope) IsExit() bool {
	return e.To != ""
}

// Encode renders e into the on-disk wire format.
func (e *Envelope) Encode() ([]byte, error) {
	var b strings.Builder

	switch {
	case e.To != "" && e.NextHop == "":
		fmt.Fprintf(&b, "To: %s\n", e.To)
	case e.To == "" && e.NextHop != "":
		fmt.Fprintf(&b, "Next-Hop: %s\n", e.NextHop)
		fmt.Fprintf(&b, "Expire: %s\n", e.Expire.Format(expireDateFmt))
	default:
		return nil, fmt.Errorf("%w: envelope must carry exactly one of To or Next-Hop/Expire", errs.ErrProtocolError)
	}

	b.WriteString("\n")
	b.WriteString(base64.StdEncoding.EncodeToString(e.Body))
	b.WriteString("\n")

	return []byte(b.String()), nil
}

// Parse reads an outbound pool file's headers and base64 body. It returns
// ErrProtocolError when the header set doesn't match exactly one of the
// two permitted shapes.
func Parse(raw []byte) (*Envelope, error) {
	headerLines, bodyLines, err := splitHeaderBody(raw)
	if err != nil {
		return nil, err
	}

	var to, nextHop, expireStr string
	for _, line := range headerLines {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "to":
			to = val
		case "next-hop":
			nextHop = val
		case "expire":
			expireStr = val
		}
	}

	bodyB64 := strings.Join(bodyLines, "")
	body, err := base64.StdEncoding.DecodeString(bodyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 body: %v", errs.ErrProtocolError, err)
	}

	switch {
	case to != "" && nextHop == "":
		return &Envelope{To: to, Body: body}, nil
	case to == "" && nextHop != "":
		if expireStr == "" {
			return nil, fmt.Errorf("%w: Next-Hop present without Expire", errs.ErrProtocolError)
		}
		expire, err := time.Parse(expireDateFmt, expireStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid Expire date: %v", errs.ErrProtocolError, err)
		}
		return &Envelope{NextHop: nextHop, Expire: expire, Body: body}, nil
	default:
		return nil, fmt.Errorf("%w: envelope carries neither or both of To/Next-Hop", errs.ErrProtocolError)
	}
}

func splitHeaderBody(raw []byte) (headers, body []string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	inBody := false
	for scanner.Scan() {
		line := scanner.Text()
		if !inBody && strings.TrimSpace(line) == "" {
			inBody = true
			continue
		}
		if inBody {
			if strings.TrimSpace(line) != "" {
				body = append(body, line)
			}
		} else {
			headers = append(headers, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("envelope: scan: %w", err)
	}
	return headers, body, nil
}
