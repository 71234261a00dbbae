// Package dummy injects probabilistic cover traffic into the outbound
// pool. Injection is deliberately
// stateless: each call independently rolls against its configured
// probability rather than smoothing toward a scheduled rate, since the
// unpredictability of dummy timing is itself part of the anonymity
// property.
package dummy

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/coderelay/mixnode/internal/codec"
	"github.com/coderelay/mixnode/internal/envelope"
)

const dummyExitType = 1

var degeneratePayload = []byte("From: dummy@dummy.invalid\r\nTo: dummy@dummy.invalid\r\n\r\npayload\r\n")

// Directory supplies the known-address pool a dummy's chain is drawn from.
type Directory interface {
	KnownAddresses() ([]string, error)
}

// OutPool is the outbound spool a generated dummy is deposited into.
type OutPool interface {
	Deposit(data []byte) (string, error)
}

// Config controls chain shape and message lifetime for generated dummies.
type Config struct {
	ChainLength int // number of random hops the dummy traverses
	Expiry      time.Duration
}

// Injector generates and deposits dummy traffic on demand.
type Injector struct {
	codec codec.Codec
	dir   Directory
	out   OutPool
	cfg   Config
}

// New constructs an Injector.
func New(c codec.Codec, dir Directory, out OutPool, cfg Config) *Injector {
	if cfg.ChainLength < 1 {
		cfg.ChainLength = 1
	}
	return &Injector{codec: c, dir: dir, out: out, cfg: cfg}
}

// Maybe rolls a 1-100 die against probability (a percentage in [0,100])
// and, on success, generates and deposits one dummy message.
func (inj *Injector) Maybe(probability int) (bool, error) {
	roll, err := cryptoRandIntn(100)
	if err != nil {
		return false, fmt.Errorf("dummy: roll: %w", err)
	}
	// roll is in [0,99]; treat it as the 1-100 draw the source makes.
	if roll+1 > probability {
		return false, nil
	}
	return true, inj.inject()
}

func (inj *Injector) inject() error {
	known, err := inj.dir.KnownAddresses()
	if err != nil {
		return fmt.Errorf("list known addresses: %w", err)
	}
	if len(known) == 0 {
		return fmt.Errorf("no known addresses available for dummy chain")
	}

	chain, err := randomChain(known, inj.cfg.ChainLength)
	if err != nil {
		return fmt.Errorf("build dummy chain: %w", err)
	}

	wire, err := inj.codec.Encode(degeneratePayload, chain, true, dummyExitType)
	if err != nil {
		return fmt.Errorf("encode dummy packet: %w", err)
	}

	expire := time.Now().UTC().Add(inj.cfg.Expiry)
	envWire, err := envelope.NewForward(chain[0], expire, wire).Encode()
	if err != nil {
		return fmt.Errorf("encode dummy envelope: %w", err)
	}
	if _, err := inj.out.Deposit(envWire); err != nil {
		return fmt.Errorf("deposit dummy envelope: %w", err)
	}
	return nil
}

// randomChain draws length hops from known, with replacement once length
// exceeds the pool size.
func randomChain(known []string, length int) ([]string, error) {
	chain := make([]string, length)
	var avail []string
	for i := range chain {
		if len(avail) == 0 {
			avail = append([]string(nil), known...)
		}
		idx, err := cryptoRandIntn(len(avail))
		if err != nil {
			return nil, err
		}
		chain[i] = avail[idx]
		avail = append(avail[:idx], avail[idx+1:]...)
	}
	return chain, nil
}

func cryptoRandIntn(n int) (int, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(idx.Int64()), nil
}
