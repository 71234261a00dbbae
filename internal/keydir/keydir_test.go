package keydir

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coderelay/mixnode/internal/errs"
	"github.com/coderelay/mixnode/internal/store"
	"github.com/coderelay/mixnode/pkg/logging"
)

type fakeFetcher struct {
	responses map[string][]byte
	errs      map[string]error
	calls     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, addr string) ([]byte, error) {
	f.calls++
	if err, ok := f.errs[addr]; ok {
		return nil, err
	}
	return f.responses[addr], nil
}

func testDirectory(t *testing.T, fetcher DescriptorFetcher) (*Directory, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(&store.Config{Directory: dir, Path: "mixnode.db"})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(logging.DefaultConfig())
	return New(st, fetcher, log, "test-remailer", 2048, ""), st
}

func TestLocalKeyForAdvertisingGeneratesOnce(t *testing.T) {
	d, _ := testDirectory(t, &fakeFetcher{})

	id, err := d.LocalKeyForAdvertising(context.Background())
	if err != nil {
		t.Fatalf("LocalKeyForAdvertising() error = %v", err)
	}
	if id.KeyID == "" {
		t.Error("expected a non-empty KeyID")
	}
	wantKeyID := KeyIDForPEM(id.PubKeyPEM)
	if id.KeyID != wantKeyID {
		t.Errorf("KeyID = %s, want md5(pem) = %s", id.KeyID, wantKeyID)
	}

	again, err := d.LocalKeyForAdvertising(context.Background())
	if err != nil {
		t.Fatalf("second LocalKeyForAdvertising() error = %v", err)
	}
	if again.KeyID != id.KeyID {
		t.Error("expected the same identity to be returned, not a fresh generation")
	}
}

func TestPublicForAddressUnknown(t *testing.T) {
	d, _ := testDirectory(t, &fakeFetcher{})

	_, err := d.PublicForAddress("nowhere.example.com")
	if !errors.Is(err, errs.ErrUnknownAddress) {
		t.Errorf("PublicForAddress(unknown) error = %v, want ErrUnknownAddress", err)
	}
}

func TestSecretForKeyIDCaches(t *testing.T) {
	d, st := testDirectory(t, &fakeFetcher{})

	now := time.Now()
	rec := &store.PeerRecord{
		KeyID:     "deadbeef",
		Name:      "peer",
		Address:   "peer.example.com",
		PubKeyPEM: []byte("stub"),
		SecKey:    []byte("secretbytes"),
		ValidFrom: now.Add(-time.Hour),
		ValidTo:   now.Add(time.Hour),
	}
	if err := st.UpsertPeer(rec); err != nil {
		t.Fatal(err)
	}

	sec, err := d.SecretForKeyID("deadbeef")
	if err != nil || string(sec) != "secretbytes" {
		t.Fatalf("SecretForKeyID() = %q, %v, want secretbytes", sec, err)
	}

	// Mutate storage directly; the cached value should still be returned.
	rec.SecKey = []byte("rotated")
	if err := st.UpsertPeer(rec); err != nil {
		t.Fatal(err)
	}
	sec, err = d.SecretForKeyID("deadbeef")
	if err != nil || string(sec) != "secretbytes" {
		t.Errorf("SecretForKeyID() after rotation = %q, %v, want cached secretbytes", sec, err)
	}
}

func TestImportPeerDescriptorValidAndDuplicateAttempt(t *testing.T) {
	now := time.Now().UTC()
	pubPEM := []byte("-----BEGIN PUBLIC KEY-----\nc3R1Ymtley1ieXRlcw==\n-----END PUBLIC KEY-----\n")
	keyID := KeyIDForPEM(pubPEM)

	raw := []byte("Name: peer-a\n" +
		"Address: peer-a.example.com\n" +
		"KeyID: " + keyID + "\n" +
		"Valid From: " + now.Add(-24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"Valid To:   " + now.Add(365*24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"SMTP: 1\n\n")
	raw = append(raw, pubPEM...)

	fetcher := &fakeFetcher{responses: map[string][]byte{"peer-a.example.com": raw}}
	d, st := testDirectory(t, fetcher)

	if err := d.ImportPeerDescriptor(context.Background(), "peer-a.example.com"); err != nil {
		t.Fatalf("ImportPeerDescriptor() error = %v", err)
	}

	rec, err := st.GetPeer(keyID)
	if err != nil || rec == nil {
		t.Fatalf("GetPeer(%s) = %v, %v, want a record", keyID, rec, err)
	}
	if rec.Address != "peer-a.example.com" || !rec.SMTPCapable {
		t.Errorf("imported record = %+v, unexpected fields", rec)
	}

	// A second attempt at the same address this cycle must fail with the
	// cached-negative error without calling the fetcher again.
	callsBefore := fetcher.calls
	err = d.ImportPeerDescriptor(context.Background(), "peer-a.example.com")
	if err == nil {
		t.Fatal("expected error on repeat import within the same cycle")
	}
	if fetcher.calls != callsBefore {
		t.Error("fetcher should not be called again for an already-attempted address")
	}
}

func TestImportPeerDescriptorKeyIDMismatch(t *testing.T) {
	now := time.Now().UTC()
	pubPEM := []byte("-----BEGIN PUBLIC KEY-----\nc3R1Ymtley1ieXRlcw==\n-----END PUBLIC KEY-----\n")

	raw := []byte("Name: peer-b\n" +
		"Address: peer-b.example.com\n" +
		"KeyID: 0000000000000000000000000000000\n" +
		"Valid From: " + now.Add(-24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"Valid To:   " + now.Add(365*24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"SMTP: 0\n\n")
	raw = append(raw, pubPEM...)

	fetcher := &fakeFetcher{responses: map[string][]byte{"peer-b.example.com": raw}}
	d, _ := testDirectory(t, fetcher)

	err := d.ImportPeerDescriptor(context.Background(), "peer-b.example.com")
	if err == nil {
		t.Fatal("expected error for keyid/pem mismatch")
	}
}

func TestImportPeerDescriptorExpired(t *testing.T) {
	now := time.Now().UTC()
	pubPEM := []byte("-----BEGIN PUBLIC KEY-----\nc3R1Ymtley1ieXRlcw==\n-----END PUBLIC KEY-----\n")
	keyID := KeyIDForPEM(pubPEM)

	raw := []byte("Name: peer-c\n" +
		"Address: peer-c.example.com\n" +
		"KeyID: " + keyID + "\n" +
		"Valid From: " + now.Add(-365*24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"Valid To:   " + now.Add(-24*time.Hour).Format(descriptorDateFmt) + "\n" +
		"SMTP: 0\n\n")
	raw = append(raw, pubPEM...)

	fetcher := &fakeFetcher{responses: map[string][]byte{"peer-c.example.com": raw}}
	d, _ := testDirectory(t, fetcher)

	err := d.ImportPeerDescriptor(context.Background(), "peer-c.example.com")
	if err == nil {
		t.Fatal("expected error for expired validity window")
	}
}

func TestDailyEventsClearsNearExpiryAndDeletesExpired(t *testing.T) {
	d, st := testDirectory(t, &fakeFetcher{})

	now := time.Now().UTC()
	nearExpiry := &store.PeerRecord{
		KeyID: "near", Name: "near", Address: "near.example.com",
		PubKeyPEM: []byte("pem"), ValidFrom: now.Add(-300 * 24 * time.Hour),
		ValidTo: now.Add(10 * 24 * time.Hour), Advertised: true,
	}
	expired := &store.PeerRecord{
		KeyID: "gone", Name: "gone", Address: "gone.example.com",
		PubKeyPEM: []byte("pem"), ValidFrom: now.Add(-400 * 24 * time.Hour),
		ValidTo: now.Add(-time.Hour), Advertised: false,
	}
	if err := st.UpsertPeer(nearExpiry); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertPeer(expired); err != nil {
		t.Fatal(err)
	}

	if err := d.DailyEvents(context.Background()); err != nil {
		t.Fatalf("DailyEvents() error = %v", err)
	}

	rec, _ := st.GetPeer("near")
	if rec.Advertised {
		t.Error("near-expiry peer should no longer be advertised after daily_events")
	}
	rec, _ = st.GetPeer("gone")
	if rec != nil {
		t.Error("expired peer should have been deleted by daily_events")
	}

	local, err := st.LocalAdvertisable(now)
	if err != nil || local == nil {
		t.Fatalf("expected a local advertisable identity after daily_events, got %v, %v", local, err)
	}
}
