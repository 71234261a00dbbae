// Package outbound implements the per-file outbound processing state
// machine: parse the pool file's envelope and either submit it
// by SMTP or forward it by HTTP POST to its next hop.
package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/coderelay/mixnode/internal/envelope"
	"github.com/coderelay/mixnode/internal/mailer"
	"github.com/coderelay/mixnode/internal/transport"
	"github.com/coderelay/mixnode/pkg/logging"
)

// OutPool is the outbound spool, releasing a subset of its files each
// triggered cycle.
type OutPool interface {
	SelectSubset(now time.Time) ([]string, error)
	Read(filename string) ([]byte, error)
	Delete(filename string) error
}

// PeerDownMarker lets a caller statistically down-mark peers whose
// outbound messages keep expiring undelivered. Left as a seam for a
// future policy; the default wiring passes a no-op.
type PeerDownMarker interface {
	MarkUnreachable(addr string)
}

// noopDownMarker implements PeerDownMarker by doing nothing.
type noopDownMarker struct{}

func (noopDownMarker) MarkUnreachable(string) {}

// Processor drains a subset of the outbound pool on each call to
// ProcessSubset, delivering by SMTP or HTTP per envelope shape.
type Processor struct {
	pool      OutPool
	mailer    mailer.Mailer
	transport transport.PeerPoster
	down      PeerDownMarker
	log       *logging.Logger
}

// New constructs a Processor. down may be nil, in which case expired
// peer-bound messages are dropped without notifying any down-marking
// policy.
func New(pool OutPool, m mailer.Mailer, t transport.PeerPoster, down PeerDownMarker, log *logging.Logger) *Processor {
	if down == nil {
		down = noopDownMarker{}
	}
	return &Processor{pool: pool, mailer: m, transport: t, down: down, log: log.Component("outbound")}
}

// ProcessSubset releases and processes the pool's currently selected
// subset, returning how many files it consumed (sent, forwarded, or
// dropped, but not files left in place for retry).
func (p *Processor) ProcessSubset(ctx context.Context, now time.Time) (int, error) {
	names, err := p.pool.SelectSubset(now)
	if err != nil {
		return 0, fmt.Errorf("outbound: select subset: %w", err)
	}

	consumed := 0
	for _, name := range names {
		done, err := p.processOne(ctx, name, now)
		if err != nil {
			p.log.Warn("failed processing outbound file", "file", name, "error", err)
		}
		if done {
			consumed++
		}
	}
	return consumed, nil
}

// processOne reports whether name was consumed (deleted, one way or
// another); false means it remains queued for a later retry.
func (p *Processor) processOne(ctx context.Context, name string, now time.Time) (bool, error) {
	raw, err := p.pool.Read(name)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	env, err := envelope.Parse(raw)
	if err != nil {
		p.log.Error("outbound envelope protocol error, dropping", "file", name, "error", err)
		return true, p.pool.Delete(name)
	}

	if env.IsExit() {
		return p.sendSMTP(ctx, name, env)
	}
	return p.forward(ctx, name, env, now)
}

func (p *Processor) sendSMTP(ctx context.Context, name string, env *envelope.Envelope) (bool, error) {
	if err := p.mailer.Send(ctx, env.To, env.Body); err != nil {
		p.log.Debug("SMTP submission failed, retrying later", "file", name, "to", env.To, "error", err)
		return false, nil
	}
	p.log.Debug("SMTP submission succeeded", "file", name, "to", env.To)
	return true, p.pool.Delete(name)
}

func (p *Processor) forward(ctx context.Context, name string, env *envelope.Envelope, now time.Time) (bool, error) {
	utc := now.UTC()
	today := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	if env.Expire.Before(today) {
		p.log.Warn("giving up on expired outbound message", "file", name, "next_hop", env.NextHop)
		p.down.MarkUnreachable(env.NextHop)
		return true, p.pool.Delete(name)
	}

	status, err := p.transport.Post(ctx, env.NextHop, env.Body)
	if err != nil {
		p.log.Debug("HTTP forward failed, retrying later", "file", name, "next_hop", env.NextHop, "error", err)
		return false, nil
	}
	if status < 200 || status >= 300 {
		p.log.Debug("HTTP forward rejected, retrying later", "file", name, "next_hop", env.NextHop, "status", status)
		return false, nil
	}

	p.log.Debug("HTTP forward succeeded", "file", name, "next_hop", env.NextHop)
	return true, p.pool.Delete(name)
}
