package inbound

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coderelay/mixnode/internal/chunks"
	"github.com/coderelay/mixnode/internal/codec"
	"github.com/coderelay/mixnode/internal/envelope"
	"github.com/coderelay/mixnode/internal/store"
	"github.com/coderelay/mixnode/pkg/logging"
)

type fakePool struct {
	files map[string][]byte
	dep   [][]byte
}

func newFakePool() *fakePool { return &fakePool{files: map[string][]byte{}} }

func (f *fakePool) SelectAll() ([]string, error) {
	var names []string
	for n := range f.files {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakePool) Read(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("no such file %s", name)
	}
	return data, nil
}

func (f *fakePool) Delete(name string) error {
	delete(f.files, name)
	return nil
}

func (f *fakePool) Deposit(data []byte) (string, error) {
	f.dep = append(f.dep, data)
	name := fmt.Sprintf("out-%d", len(f.dep))
	return name, nil
}

type fakeReplay struct {
	seen map[string]bool
}

func newFakeReplay() *fakeReplay { return &fakeReplay{seen: map[string]bool{}} }

func (r *fakeReplay) SeenOrMark(packetID []byte, expiresAt time.Time) (bool, error) {
	key := string(packetID)
	if r.seen[key] {
		return true, nil
	}
	r.seen[key] = true
	return false, nil
}

type fakeDirectory struct {
	known    []string
	imported []string
}

func (d *fakeDirectory) KnownAddresses() ([]string, error) { return d.known, nil }

func (d *fakeDirectory) ImportPeerDescriptor(ctx context.Context, addr string) error {
	d.imported = append(d.imported, addr)
	return nil
}

// fakeCodec decodes packets pre-seeded by packet ID; Encode wraps payload
// in a trivial marker so randhop tests can assert re-encoding happened.
type fakeCodec struct {
	packets map[string]*codec.DecodedPacket
}

func newFakeCodec() *fakeCodec { return &fakeCodec{packets: map[string]*codec.DecodedPacket{}} }

func (c *fakeCodec) add(raw string, pkt *codec.DecodedPacket) {
	c.packets[raw] = pkt
}

func (c *fakeCodec) Decode(raw []byte) (*codec.DecodedPacket, error) {
	pkt, ok := c.packets[string(raw)]
	if !ok {
		return nil, fmt.Errorf("unknown test packet")
	}
	return pkt, nil
}

func (c *fakeCodec) Encode(payload []byte, chain []string, isExit bool, exitType int) ([]byte, error) {
	return append([]byte("randhop:"), payload...), nil
}

func testProcessor(t *testing.T, cfg Config) (*Processor, *fakePool, *fakePool, *fakeCodec, *fakeDirectory) {
	t.Helper()
	in := newFakePool()
	out := newFakePool()
	c := newFakeCodec()
	dir := &fakeDirectory{}
	p := New(in, out, c, newFakeReplay(), nil, dir, logging.Default(), cfg)
	return p, in, out, c, dir
}

func TestProcessForwardMessage(t *testing.T) {
	p, in, out, c, _ := testProcessor(t, Config{SMTPEnabled: true})
	raw := []byte("packet-forward")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID: []byte("id-1"),
		IsExit:   false,
		NextHop:  "peerB.example.com",
		Payload:  []byte("onion-layer"),
		Expire:   time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	n, err := p.ProcessAll(context.Background())
	if err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessAll() processed = %d, want 1", n)
	}
	if len(in.files) != 0 {
		t.Error("inbound file should have been deleted")
	}
	if len(out.dep) != 1 {
		t.Fatalf("outbound deposits = %d, want 1", len(out.dep))
	}

	env, err := envelope.Parse(out.dep[0])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.NextHop != "peerB.example.com" {
		t.Errorf("NextHop = %q, want peerB.example.com", env.NextHop)
	}
	if !bytes.Equal(env.Body, []byte("onion-layer")) {
		t.Errorf("Body = %q, want onion-layer", env.Body)
	}
}

func TestProcessExitSingleChunk(t *testing.T) {
	p, in, out, c, _ := testProcessor(t, Config{SMTPEnabled: true})
	payload := []byte("To: alice@example.com\r\n\r\nhello\r\n")
	raw := []byte("packet-exit")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID:  []byte("id-2"),
		IsExit:    true,
		NumChunks: 1,
		Payload:   payload,
		Expire:    time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(out.dep) != 1 {
		t.Fatalf("outbound deposits = %d, want 1", len(out.dep))
	}
	env, err := envelope.Parse(out.dep[0])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.To != "alice@example.com" {
		t.Errorf("To = %q, want alice@example.com", env.To)
	}
	if !bytes.Equal(env.Body, payload) {
		t.Error("Body should equal the raw exit payload")
	}
}

func TestProcessDummyPacketDropped(t *testing.T) {
	p, in, out, c, _ := testProcessor(t, Config{SMTPEnabled: true})
	raw := []byte("packet-dummy")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID: []byte("id-3"),
		IsExit:   true,
		ExitType: 1,
		Expire:   time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(out.dep) != 0 {
		t.Error("dummy packet should not produce an outbound file")
	}
	if p.DummyCount() != 1 {
		t.Errorf("DummyCount() = %d, want 1", p.DummyCount())
	}
}

func TestProcessReplayDropsSecondCopy(t *testing.T) {
	p, in, out, c, _ := testProcessor(t, Config{SMTPEnabled: true})
	raw := []byte("packet-replay")
	pkt := &codec.DecodedPacket{
		PacketID: []byte("id-4"),
		IsExit:   false,
		NextHop:  "peerB.example.com",
		Payload:  []byte("x"),
		Expire:   time.Now().Add(24 * time.Hour),
	}
	c.add(string(raw), pkt)

	in.files["file1"] = raw
	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(out.dep) != 1 {
		t.Fatalf("first cycle deposits = %d, want 1", len(out.dep))
	}

	in.files["file2"] = raw
	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(out.dep) != 1 {
		t.Fatalf("second cycle should not add a new outbound file, deposits = %d", len(out.dep))
	}
}

func TestProcessExitWithoutSMTPRandHops(t *testing.T) {
	p, in, out, c, dir := testProcessor(t, Config{SMTPEnabled: false, RandHopExpiry: 48 * time.Hour})
	dir.known = []string{"hopX.example.com"}

	raw := []byte("packet-noexitsmtp")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID:  []byte("id-5"),
		IsExit:    true,
		NumChunks: 1,
		Payload:   []byte("payload"),
		Expire:    time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(in.files) != 0 {
		t.Error("inbound file should be deleted even on random-hop rescue")
	}
	if len(out.dep) != 1 {
		t.Fatalf("outbound deposits = %d, want 1", len(out.dep))
	}
	env, err := envelope.Parse(out.dep[0])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.NextHop != "hopX.example.com" {
		t.Errorf("NextHop = %q, want hopX.example.com", env.NextHop)
	}
	if !bytes.Contains(env.Body, []byte("randhop:")) {
		t.Error("random-hop body should be re-encoded via the codec")
	}
}

func TestProcessExitMultipartWithoutSMTPDropped(t *testing.T) {
	p, in, out, c, _ := testProcessor(t, Config{SMTPEnabled: false})
	raw := []byte("packet-multipart-noexit")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID:  []byte("id-6"),
		IsExit:    true,
		NumChunks: 2,
		Payload:   []byte("chunk"),
		Expire:    time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(in.files) != 0 {
		t.Error("unsupported multipart randhop should still delete the inbound file")
	}
	if len(out.dep) != 0 {
		t.Error("unsupported multipart randhop should not produce an outbound file")
	}
}

func TestProcessMalformedPacketDropped(t *testing.T) {
	p, in, out, _, _ := testProcessor(t, Config{SMTPEnabled: true})
	in.files["file1"] = []byte("garbage, never registered with the fake codec")

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(in.files) != 0 {
		t.Error("malformed packet should be deleted")
	}
	if len(out.dep) != 0 {
		t.Error("malformed packet should not produce an outbound file")
	}
}

func TestProcessExitMultipartAssemblesOnLastChunk(t *testing.T) {
	st, err := store.Open(&store.Config{Directory: t.TempDir(), Path: "mixnode.db"})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reassembler := chunks.New(st, 24*time.Hour)

	in := newFakePool()
	out := newFakePool()
	c := newFakeCodec()
	dir := &fakeDirectory{}
	p := New(in, out, c, newFakeReplay(), reassembler, dir, logging.Default(), Config{SMTPEnabled: true})

	msgID := []byte("msg-1")
	to := "To: bob@example.com\r\n\r\n"

	rawFirst := []byte("packet-chunk-1")
	c.add(string(rawFirst), &codec.DecodedPacket{
		PacketID:  []byte("id-8a"),
		IsExit:    true,
		MessageID: msgID,
		ChunkNum:  2,
		NumChunks: 2,
		Payload:   []byte("second-half"),
		Expire:    time.Now().Add(24 * time.Hour),
	})
	in.files["file-a"] = rawFirst
	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(out.dep) != 0 {
		t.Fatalf("should not assemble before all chunks arrive, deposits = %d", len(out.dep))
	}

	rawSecond := []byte("packet-chunk-2")
	c.add(string(rawSecond), &codec.DecodedPacket{
		PacketID:  []byte("id-8b"),
		IsExit:    true,
		MessageID: msgID,
		ChunkNum:  1,
		NumChunks: 2,
		Payload:   []byte(to + "first-half,"),
		Expire:    time.Now().Add(24 * time.Hour),
	})
	in.files["file-b"] = rawSecond
	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatalf("ProcessAll() error = %v", err)
	}
	if len(out.dep) != 1 {
		t.Fatalf("deposits after final chunk = %d, want 1", len(out.dep))
	}

	env, err := envelope.Parse(out.dep[0])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if env.To != "bob@example.com" {
		t.Errorf("To = %q, want bob@example.com", env.To)
	}
	want := to + "first-half,second-half"
	if !bytes.Equal(env.Body, []byte(want)) {
		t.Errorf("Body = %q, want %q", env.Body, want)
	}
}

func TestProcessForwardHopSpyImportsUnknownAddress(t *testing.T) {
	p, in, _, c, dir := testProcessor(t, Config{SMTPEnabled: true, HopSpyEnabled: true})
	dir.known = []string{"known.example.com"}

	raw := []byte("packet-hopspy")
	c.add(string(raw), &codec.DecodedPacket{
		PacketID: []byte("id-7"),
		IsExit:   false,
		NextHop:  "unknown.example.com",
		Payload:  []byte("x"),
		Expire:   time.Now().Add(24 * time.Hour),
	})
	in.files["file1"] = raw

	if _, err := p.ProcessAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(dir.imported) != 1 || dir.imported[0] != "unknown.example.com" {
		t.Errorf("imported = %v, want [unknown.example.com]", dir.imported)
	}
}
