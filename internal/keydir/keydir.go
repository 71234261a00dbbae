package keydir

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coderelay/mixnode/internal/errs"
	"github.com/coderelay/mixnode/internal/store"
	"github.com/coderelay/mixnode/pkg/logging"
)

const (
	pemBlockType   = "PUBLIC KEY"
	localValidDays = 270
	nearExpiryDays = 28
)

// DescriptorFetcher is the narrow HTTP collaborator the directory needs to
// pull a peer's /remailer-conf.txt. Satisfied by internal/transport.
type DescriptorFetcher interface {
	Fetch(ctx context.Context, addr string) ([]byte, error)
}

// Identity is a local or peer key-directory entry, shaped for direct use by
// the codec and event loop without exposing the storage row layout.
type Identity struct {
	KeyID       string
	Name        string
	Address     string
	PubKeyPEM   []byte
	ValidFrom   time.Time
	ValidTo     time.Time
	SMTPCapable bool
}

// Directory is the persistent peer key directory. All public
// methods are safe for the single-threaded event loop to call directly;
// the internal maps are mutex-guarded all the same.
type Directory struct {
	store          *store.Store
	fetcher        DescriptorFetcher
	log            *logging.Logger
	nodeName       string
	keyLen         int
	descriptorPath string

	mu             sync.Mutex
	secretCache    map[string][]byte
	secretCacheOK  map[string]bool // distinguishes "cached absent" from "never looked up"
	attemptedToday map[string]bool
}

// New constructs a Directory backed by store and using fetcher for
// descriptor imports. descriptorPath is the file the node's own advertised
// descriptor (its /remailer-conf.txt contents) is written to; nothing in
// this package serves it over HTTP. Empty disables emission.
func New(st *store.Store, fetcher DescriptorFetcher, log *logging.Logger, nodeName string, keyLen int, descriptorPath string) *Directory {
	return &Directory{
		store:          st,
		fetcher:        fetcher,
		log:            log.Component("keydir"),
		nodeName:       nodeName,
		keyLen:         keyLen,
		descriptorPath: descriptorPath,
		secretCache:    make(map[string][]byte),
		secretCacheOK:  make(map[string]bool),
		attemptedToday: make(map[string]bool),
	}
}

// KeyIDForPEM computes the KeyID of a PEM-encoded public key: the MD5 hex
// digest of the PEM bytes themselves.
func KeyIDForPEM(pemBytes []byte) string {
	sum := md5.Sum(pemBytes)
	return hex.EncodeToString(sum[:])
}

func encodePublicKeyPEM(pub [32]byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: pub[:]})
}

// LocalKeyForAdvertising returns a currently-valid locally-owned identity,
// generating one if none exists.
func (d *Directory) LocalKeyForAdvertising(ctx context.Context) (*Identity, error) {
	now := time.Now().UTC()

	rec, err := d.store.LocalAdvertisable(now)
	if err != nil {
		return nil, fmt.Errorf("keydir: lookup local identity: %w", err)
	}
	if rec != nil {
		return identityFromRecord(rec), nil
	}

	d.log.Info("no valid local identity found, generating new keypair")

	pub, priv, genErr := generateX25519Keypair()
	if genErr != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyGenerationFailed, genErr)
	}

	pubPEM := encodePublicKeyPEM(pub)
	keyID := KeyIDForPEM(pubPEM)
	validFrom := now
	validTo := now.AddDate(0, 0, localValidDays)

	newRec := &store.PeerRecord{
		KeyID:      keyID,
		Name:       d.nodeName,
		Address:    d.nodeName,
		PubKeyPEM:  pubPEM,
		SecKey:     priv[:],
		ValidFrom:  validFrom,
		ValidTo:    validTo,
		Advertised: true,
		IsLocal:    true,
	}
	if err := d.store.UpsertPeer(newRec); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyGenerationFailed, err)
	}

	d.log.Info("generated local identity", "keyid", keyID, "valid_to", validTo.Format("2006-01-02"))
	return identityFromRecord(newRec), nil
}

// PublicForAddress returns the advertised identity at addr. Fails with
// ErrUnknownAddress when no advertised record matches. Uncached: the
// encoding path calls this only when building a fresh envelope.
func (d *Directory) PublicForAddress(addr string) (*Identity, error) {
	rec, err := d.store.AdvertisedByAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("keydir: lookup address %s: %w", addr, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownAddress, addr)
	}
	return identityFromRecord(rec), nil
}

// SecretForKeyID returns the decryption key for keyid, or nil if this node
// does not hold it. Results are memoised until the next midnight flush.
func (d *Directory) SecretForKeyID(keyid string) ([]byte, error) {
	d.mu.Lock()
	if _, ok := d.secretCacheOK[keyid]; ok {
		sec := d.secretCache[keyid]
		d.mu.Unlock()
		return sec, nil
	}
	d.mu.Unlock()

	sec, err := d.store.SecretForKeyID(keyid)
	if err != nil {
		return nil, fmt.Errorf("keydir: secret lookup for %s: %w", keyid, err)
	}

	d.mu.Lock()
	d.secretCache[keyid] = sec
	d.secretCacheOK[keyid] = true
	d.mu.Unlock()

	return sec, nil
}

// ResetSecretCache flushes the memoised secret-key lookups. Called
// independently of DailyEvents at the midnight tick, since the
// daily and midnight triggers run on distinct schedules.
func (d *Directory) ResetSecretCache() {
	d.mu.Lock()
	d.secretCache = make(map[string][]byte)
	d.secretCacheOK = make(map[string]bool)
	d.mu.Unlock()
}

// KnownAddresses returns the set of advertised peer addresses eligible as a
// next-hop.
func (d *Directory) KnownAddresses() ([]string, error) {
	return d.store.KnownAddresses()
}

// ImportPeerDescriptor fetches and validates addr's /remailer-conf.txt and
// inserts the resulting PeerRecord. Already-attempted addresses this cycle
// fail immediately with a cached negative.
func (d *Directory) ImportPeerDescriptor(ctx context.Context, addr string) error {
	d.mu.Lock()
	if d.attemptedToday[addr] {
		d.mu.Unlock()
		return &errs.DescriptorImportError{Addr: addr, Reason: "already attempted this cycle", Err: errs.ErrDescriptorAlreadyAttempted}
	}
	d.attemptedToday[addr] = true
	d.mu.Unlock()

	raw, err := d.fetcher.Fetch(ctx, addr)
	if err != nil {
		return &errs.DescriptorImportError{Addr: addr, Reason: "fetch failed", Err: err}
	}

	desc, err := parseDescriptor(raw)
	if err != nil {
		return &errs.DescriptorImportError{Addr: addr, Reason: "parse failed", Err: err}
	}

	now := time.Now().UTC()
	if desc.ValidFrom.After(now) {
		return &errs.DescriptorImportError{Addr: addr, Reason: "valid_from in the future"}
	}
	if desc.ValidTo.Before(now) {
		return &errs.DescriptorImportError{Addr: addr, Reason: "valid_to in the past"}
	}

	computedKeyID := KeyIDForPEM(desc.PubKeyPEM)
	if desc.KeyID != computedKeyID {
		return &errs.DescriptorImportError{Addr: addr, Reason: fmt.Sprintf("keyid mismatch: descriptor says %s, pem hashes to %s", desc.KeyID, computedKeyID)}
	}

	rec := &store.PeerRecord{
		KeyID:       desc.KeyID,
		Name:        desc.Name,
		Address:     desc.Address,
		PubKeyPEM:   desc.PubKeyPEM,
		ValidFrom:   desc.ValidFrom,
		ValidTo:     desc.ValidTo,
		Advertised:  true,
		SMTPCapable: desc.SMTP,
	}
	if err := d.store.UpsertPeer(rec); err != nil {
		return &errs.DescriptorImportError{Addr: addr, Reason: "store write failed", Err: err}
	}

	d.log.Info("imported peer descriptor", "addr", addr, "keyid", desc.KeyID)
	return nil
}

// DailyEvents runs the daily key-directory housekeeping: clear
// advertised near expiry, delete fully expired records, ensure a local
// advertisable key exists, and reset the per-cycle caches.
func (d *Directory) DailyEvents(ctx context.Context) error {
	now := time.Now().UTC()

	clearedCount, err := d.store.SetAdvertisedWithinDays(now, nearExpiryDays)
	if err != nil {
		return fmt.Errorf("keydir: daily_events clear near-expiry: %w", err)
	}
	if clearedCount > 0 {
		d.log.Info("cleared advertised flag for near-expiry identities", "count", clearedCount)
	}

	deletedCount, err := d.store.DeleteExpiredPeers(now)
	if err != nil {
		return fmt.Errorf("keydir: daily_events delete expired: %w", err)
	}
	if deletedCount > 0 {
		d.log.Info("deleted expired peer records", "count", deletedCount)
	}

	local, err := d.LocalKeyForAdvertising(ctx)
	if err != nil {
		return fmt.Errorf("keydir: daily_events ensure local key: %w", err)
	}

	if err := d.emitDescriptor(local); err != nil {
		return fmt.Errorf("keydir: daily_events emit descriptor: %w", err)
	}

	d.mu.Lock()
	d.secretCache = make(map[string][]byte)
	d.secretCacheOK = make(map[string]bool)
	d.attemptedToday = make(map[string]bool)
	d.mu.Unlock()

	return nil
}

// emitDescriptor writes the node's own /remailer-conf.txt contents to
// descriptorPath. A no-op if no descriptorPath was configured.
func (d *Directory) emitDescriptor(local *Identity) error {
	if d.descriptorPath == "" {
		return nil
	}

	known, err := d.store.KnownAddresses()
	if err != nil {
		return fmt.Errorf("list known addresses: %w", err)
	}

	desc := &descriptor{
		Name:      local.Name,
		Address:   local.Address,
		KeyID:     local.KeyID,
		ValidFrom: local.ValidFrom,
		ValidTo:   local.ValidTo,
		SMTP:      local.SMTPCapable,
		PubKeyPEM: local.PubKeyPEM,
	}

	return os.WriteFile(d.descriptorPath, encodeDescriptor(desc, known), 0644)
}

func identityFromRecord(rec *store.PeerRecord) *Identity {
	return &Identity{
		KeyID:       rec.KeyID,
		Name:        rec.Name,
		Address:     rec.Address,
		PubKeyPEM:   rec.PubKeyPEM,
		ValidFrom:   rec.ValidFrom,
		ValidTo:     rec.ValidTo,
		SMTPCapable: rec.SMTPCapable,
	}
}
