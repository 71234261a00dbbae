package refcodec

import (
	"bytes"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"golang.org/x/crypto/nacl/box"
)

type testIdentity struct {
	keyID string
	addr  string
	pub   [32]byte
	priv  [32]byte
}

type fakeResolver struct {
	byKeyID map[string]*testIdentity
	byAddr  map[string]*testIdentity
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byKeyID: map[string]*testIdentity{}, byAddr: map[string]*testIdentity{}}
}

func (f *fakeResolver) addIdentity(t *testing.T, keyID, addr string) *testIdentity {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("box.GenerateKey() error = %v", err)
	}
	id := &testIdentity{keyID: keyID, addr: addr, pub: *pub, priv: *priv}
	f.byKeyID[keyID] = id
	f.byAddr[addr] = id
	return id
}

func (f *fakeResolver) SecretForKeyID(keyid string) ([]byte, error) {
	id, ok := f.byKeyID[keyid]
	if !ok {
		return nil, nil
	}
	return id.priv[:], nil
}

func (f *fakeResolver) PublicForAddress(addr string) (*PublicKey, error) {
	id, ok := f.byAddr[addr]
	if !ok {
		return nil, nil
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: id.pub[:]})
	return &PublicKey{KeyID: id.keyID, PEM: pemBytes}, nil
}

func TestEncodeDecodeSingleHopExit(t *testing.T) {
	resolver := newFakeResolver()
	resolver.addIdentity(t, "exitkey", "exit.example.com")

	c := New(resolver)
	payload := []byte("hello mix world")

	wire, err := c.Encode(payload, []string{"exit.example.com"}, true, 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if !decoded.IsExit {
		t.Error("decoded.IsExit = false, want true")
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("decoded.Payload = %q, want %q", decoded.Payload, payload)
	}
	if decoded.NextHop != "" {
		t.Errorf("decoded.NextHop = %q, want empty for single-hop exit", decoded.NextHop)
	}
	if len(decoded.PacketID) == 0 {
		t.Error("decoded.PacketID should be non-empty")
	}
}

func TestEncodeDecodeMultiHopIntermediate(t *testing.T) {
	resolver := newFakeResolver()
	resolver.addIdentity(t, "hop1", "hop1.example.com")
	resolver.addIdentity(t, "hop2", "hop2.example.com")

	c := New(resolver)
	payload := []byte("through the mix")

	wire, err := c.Encode(payload, []string{"hop1.example.com", "hop2.example.com"}, true, 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Outer layer is addressed to hop1 and should name hop2 as next hop,
	// while leaving the inner layer (what hop1 forwards on) still sealed.
	outer, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() outer error = %v", err)
	}
	if outer.IsExit {
		t.Error("outer layer should not be marked exit")
	}
	if outer.NextHop != "hop2.example.com" {
		t.Errorf("outer.NextHop = %q, want hop2.example.com", outer.NextHop)
	}

	inner, err := c.Decode(outer.Payload)
	if err != nil {
		t.Fatalf("Decode() inner error = %v", err)
	}
	if !inner.IsExit {
		t.Error("inner layer should be marked exit")
	}
	if !bytes.Equal(inner.Payload, payload) {
		t.Errorf("inner.Payload = %q, want %q", inner.Payload, payload)
	}
}

func TestDecodeRejectsMalformedEnvelope(t *testing.T) {
	resolver := newFakeResolver()
	c := New(resolver)

	if _, err := c.Decode([]byte("not json")); err == nil {
		t.Error("Decode() should reject malformed JSON")
	}
}

func TestDecodeUnknownKeyID(t *testing.T) {
	resolver := newFakeResolver()
	resolver.addIdentity(t, "known", "known.example.com")
	c := New(resolver)

	wire, err := c.Encode([]byte("x"), []string{"known.example.com"}, true, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Swap in a resolver with no identities to simulate a packet keyed to
	// a secret this node no longer holds.
	c2 := New(newFakeResolver())
	if _, err := c2.Decode(wire); err == nil {
		t.Error("Decode() should fail when no secret is available for the envelope's keyid")
	}
}
