package pool

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// CottrellPool wraps a FilePool with the dynamic-pool release policy used
// for the outbound queue: a release fires only once the pool
// exceeds a size threshold and the release interval has elapsed, and then
// only a random percentage of the held files is actually released.
type CottrellPool struct {
	*FilePool

	size     int
	rate     int
	interval time.Duration

	mu          sync.Mutex
	lastRelease time.Time
}

// NewCottrell constructs a CottrellPool over dir with the given threshold
// size, release rate percentage (1-100), and minimum release interval.
// lastRelease seeds the trigger's cooldown, typically restored from
// persistent settings so a restart doesn't immediately re-trigger.
func NewCottrell(dir string, size, rate int, interval time.Duration, lastRelease time.Time) (*CottrellPool, error) {
	fp, err := New(dir)
	if err != nil {
		return nil, err
	}
	return &CottrellPool{FilePool: fp, size: size, rate: rate, interval: interval, lastRelease: lastRelease}, nil
}

// Trigger reports whether a release should fire now: the pool holds
// strictly more than size files AND the interval since the last release
// has elapsed.
func (c *CottrellPool) Trigger(now time.Time) (bool, error) {
	n, err := c.Size()
	if err != nil {
		return false, err
	}
	if n <= c.size {
		return false, nil
	}

	c.mu.Lock()
	elapsed := now.Sub(c.lastRelease)
	c.mu.Unlock()

	return elapsed >= c.interval, nil
}

// SelectSubset releases a uniformly random subset of K = floor(N * rate /
// 100) files without replacement, recording now as the last release time.
// Files not selected remain for a future release.
func (c *CottrellPool) SelectSubset(now time.Time) ([]string, error) {
	all, err := c.SelectAll()
	if err != nil {
		return nil, err
	}

	k := (len(all) * c.rate) / 100
	if k < 0 {
		k = 0
	}
	if k > len(all) {
		k = len(all)
	}

	subset, err := randomSubset(all, k)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastRelease = now
	c.mu.Unlock()

	return subset, nil
}

// LastRelease returns the timestamp of the most recent release, for
// persisting across restarts.
func (c *CottrellPool) LastRelease() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRelease
}

// randomSubset returns k elements of all chosen uniformly at random without
// replacement, using a cryptographically strong RNG: dummy traffic and
// pool selection both depend on this being unpredictable.
func randomSubset(all []string, k int) ([]string, error) {
	pool := make([]string, len(all))
	copy(pool, all)

	for i := len(pool) - 1; i > 0; i-- {
		j, err := cryptoRandIntn(i + 1)
		if err != nil {
			return nil, err
		}
		pool[i], pool[j] = pool[j], pool[i]
	}

	return pool[:k], nil
}

func cryptoRandIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
