// Package inbound implements the per-file inbound processing state machine
//: decode, classify, and route each queued message to the exit
// mail path, the chunk reassembler, or the outbound pool.
package inbound

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"sync/atomic"
	"time"

	"github.com/coderelay/mixnode/internal/chunks"
	"github.com/coderelay/mixnode/internal/codec"
	"github.com/coderelay/mixnode/internal/envelope"
	"github.com/coderelay/mixnode/pkg/logging"
)

// ReplayLog is the narrow replay-log surface the processor needs.
type ReplayLog interface {
	SeenOrMark(packetID []byte, expiresAt time.Time) (bool, error)
}

// Directory is the narrow key-directory surface needed for hop-spy
// descriptor fetches and random-hop chain selection.
type Directory interface {
	KnownAddresses() ([]string, error)
	ImportPeerDescriptor(ctx context.Context, addr string) error
}

// InPool is the inbound spool: every file is enumerated and consumed each
// cycle.
type InPool interface {
	SelectAll() ([]string, error)
	Read(filename string) ([]byte, error)
	Delete(filename string) error
}

// OutPool is the outbound spool the processor deposits newly routed
// envelopes into.
type OutPool interface {
	Deposit(data []byte) (string, error)
}

// Config holds the operator-controlled behaviour toggles from general.smtp
// and general.hopspy, plus the expiry window stamped onto freshly-built
// random-hop envelopes.
type Config struct {
	SMTPEnabled   bool
	HopSpyEnabled bool
	RandHopExpiry time.Duration
}

// Processor runs the inbound state machine over one pool on each call to
// ProcessAll.
type Processor struct {
	in      InPool
	out     OutPool
	codec   codec.Codec
	replay  ReplayLog
	chunks  *chunks.Reassembler
	dir     Directory
	log     *logging.Logger
	cfg     Config
	dummies int64
}

// New constructs a Processor wiring together the inbound pool, outbound
// pool, codec, replay log, chunk reassembler and key directory.
func New(in InPool, out OutPool, c codec.Codec, replay ReplayLog, reassembler *chunks.Reassembler, dir Directory, log *logging.Logger, cfg Config) *Processor {
	return &Processor{
		in:     in,
		out:    out,
		codec:  c,
		replay: replay,
		chunks: reassembler,
		dir:    dir,
		log:    log.Component("inbound"),
		cfg:    cfg,
	}
}

// DummyCount returns the number of dummy packets dropped since the last
// ResetDummyCount, for hourly/daily stats reporting.
func (p *Processor) DummyCount() int64 {
	return atomic.LoadInt64(&p.dummies)
}

// ResetDummyCount zeros the dummy counter.
func (p *Processor) ResetDummyCount() {
	atomic.StoreInt64(&p.dummies, 0)
}

// ProcessAll sweeps every file currently in the inbound pool, processing
// them in randomised order so filesystem enumeration order leaks nothing
//. It returns the number of files it attempted, including any whose
// processing failed.
func (p *Processor) ProcessAll(ctx context.Context) (int, error) {
	names, err := p.in.SelectAll()
	if err != nil {
		return 0, fmt.Errorf("inbound: list pool: %w", err)
	}
	if err := shuffle(names); err != nil {
		return 0, fmt.Errorf("inbound: shuffle: %w", err)
	}

	for _, name := range names {
		if err := p.processOne(ctx, name); err != nil {
			p.log.Warn("failed processing inbound file", "file", name, "error", err)
		}
	}
	return len(names), nil
}

func (p *Processor) processOne(ctx context.Context, name string) error {
	raw, err := p.in.Read(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	pkt, err := p.codec.Decode(raw)
	if err != nil {
		p.log.Debug("packet malformed, dropping", "file", name, "error", err)
		return p.in.Delete(name)
	}

	seen, err := p.replay.SeenOrMark(pkt.PacketID, pkt.Expire)
	if err != nil {
		return fmt.Errorf("replay check: %w", err)
	}
	if seen {
		p.log.Debug("packet replay detected, dropping", "file", name)
		return p.in.Delete(name)
	}

	if pkt.IsExit && pkt.ExitType == 1 {
		atomic.AddInt64(&p.dummies, 1)
		return p.in.Delete(name)
	}

	if pkt.IsExit {
		return p.processExit(ctx, name, pkt)
	}
	return p.processForward(ctx, name, pkt)
}

func (p *Processor) processExit(ctx context.Context, name string, pkt *codec.DecodedPacket) error {
	if !p.cfg.SMTPEnabled {
		if pkt.NumChunks > 1 {
			p.log.Warn("multipart random-hop unsupported, dropping", "file", name, "message_id", pkt.MessageID)
			return p.in.Delete(name)
		}
		if err := p.randHop(ctx, pkt.Payload); err != nil {
			p.log.Warn("random-hop failed, dropping", "file", name, "error", err)
		}
		return p.in.Delete(name)
	}

	if pkt.NumChunks <= 1 {
		if err := p.depositExit(pkt.Payload); err != nil {
			return err
		}
		return p.in.Delete(name)
	}

	if err := p.chunks.Insert(pkt.MessageID, pkt.ChunkNum, pkt.NumChunks, pkt.Payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	complete, err := p.chunks.Complete(pkt.MessageID)
	if err != nil {
		return fmt.Errorf("check chunk completeness: %w", err)
	}
	if complete {
		assembled, err := p.chunks.Assemble(pkt.MessageID)
		if err != nil {
			return fmt.Errorf("assemble chunks: %w", err)
		}
		if err := p.depositExit(assembled); err != nil {
			return err
		}
	}
	return p.in.Delete(name)
}

func (p *Processor) depositExit(payload []byte) error {
	to := recipientFromPayload(payload)
	if to == "" {
		return fmt.Errorf("exit payload carries no To address")
	}
	wire, err := envelope.NewExit(to, payload).Encode()
	if err != nil {
		return fmt.Errorf("encode exit envelope: %w", err)
	}
	if _, err := p.out.Deposit(wire); err != nil {
		return fmt.Errorf("deposit exit envelope: %w", err)
	}
	return nil
}

func (p *Processor) processForward(ctx context.Context, name string, pkt *codec.DecodedPacket) error {
	if p.cfg.HopSpyEnabled {
		p.maybeImportDescriptor(ctx, pkt.NextHop)
	}

	wire, err := envelope.NewForward(pkt.NextHop, pkt.Expire, pkt.Payload).Encode()
	if err != nil {
		return fmt.Errorf("encode forward envelope: %w", err)
	}
	if _, err := p.out.Deposit(wire); err != nil {
		return fmt.Errorf("deposit forward envelope: %w", err)
	}
	return p.in.Delete(name)
}

// maybeImportDescriptor triggers a descriptor fetch for addr when it isn't
// already among known_addresses.
func (p *Processor) maybeImportDescriptor(ctx context.Context, addr string) {
	known, err := p.dir.KnownAddresses()
	if err != nil {
		p.log.Warn("hop-spy: failed listing known addresses", "error", err)
		return
	}
	for _, k := range known {
		if k == addr {
			return
		}
	}
	if err := p.dir.ImportPeerDescriptor(ctx, addr); err != nil {
		p.log.Debug("hop-spy: descriptor import failed", "addr", addr, "error", err)
	}
}

// randHop rescues an exit message this node cannot deliver by SMTP,
// re-encapsulating payload behind a single randomly chosen known peer.
func (p *Processor) randHop(ctx context.Context, payload []byte) error {
	known, err := p.dir.KnownAddresses()
	if err != nil {
		return fmt.Errorf("list known addresses: %w", err)
	}
	if len(known) == 0 {
		return fmt.Errorf("no known addresses available for random-hop")
	}

	idx, err := cryptoRandIndex(len(known))
	if err != nil {
		return fmt.Errorf("choose random hop: %w", err)
	}
	hop := known[idx]

	wire, err := p.codec.Encode(payload, []string{hop}, true, 0)
	if err != nil {
		return fmt.Errorf("re-encode for random hop %s: %w", hop, err)
	}

	expire := time.Now().UTC().Add(p.cfg.RandHopExpiry)
	envWire, err := envelope.NewForward(hop, expire, wire).Encode()
	if err != nil {
		return fmt.Errorf("encode random-hop envelope: %w", err)
	}
	if _, err := p.out.Deposit(envWire); err != nil {
		return fmt.Errorf("deposit random-hop envelope: %w", err)
	}
	return nil
}

// recipientFromPayload extracts the delivery address from an exit
// payload's own RFC-5322 "To" header. Exit payloads are complete email
// messages; the remailer core never parses their body, only the header it
// needs to route the final SMTP hop.
func recipientFromPayload(payload []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	addr, err := mail.ParseAddress(msg.Header.Get("To"))
	if err != nil {
		return ""
	}
	return addr.Address
}

func shuffle(s []string) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := cryptoRandIndex(i + 1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

func cryptoRandIndex(n int) (int, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
