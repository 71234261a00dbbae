// Package refcodec is a runnable default implementation of codec.Codec.
// It seals a JSON record with nacl/box against the next hop's X25519
// public key, enough to exercise the inbound/outbound engine end-to-end
// without depending on a real mixmaster wire format. Swapping in the
// genuine cryptographic format is a drop-in replacement of this package;
// the engine only ever imports the codec.Codec interface.
package refcodec

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/coderelay/mixnode/internal/codec"
)

const defaultExpireAfter = 7 * 24 * time.Hour

// PublicKey is the minimal identity material refcodec needs to seal a
// layer for a given hop.
type PublicKey struct {
	KeyID string
	PEM   []byte
}

// KeyResolver is the narrow key-lookup surface refcodec needs from the key
// directory, kept local to this package so the reference codec stays
// decoupled from internal/keydir's storage-shaped types.
type KeyResolver interface {
	// SecretForKeyID returns the local decryption key for keyid, or nil if
	// this node does not hold it.
	SecretForKeyID(keyid string) ([]byte, error)
	// PublicForAddress returns the advertised public key at addr.
	PublicForAddress(addr string) (*PublicKey, error)
}

// Codec is the reference nacl/box-based packet codec.
type Codec struct {
	keys KeyResolver
}

// New constructs a reference Codec resolving keys through keys.
func New(keys KeyResolver) *Codec {
	return &Codec{keys: keys}
}

// innerRecord is the plaintext sealed inside each packet layer.
type innerRecord struct {
	PacketID  []byte    `json:"packet_id"`
	IsExit    bool      `json:"is_exit"`
	ExitType  int       `json:"exit_type"`
	MessageID []byte    `json:"message_id,omitempty"`
	ChunkNum  int       `json:"chunk_num,omitempty"`
	NumChunks int       `json:"num_chunks,omitempty"`
	Payload   []byte    `json:"payload"`
	NextHop   string    `json:"next_hop,omitempty"`
	Expire    time.Time `json:"expire"`
}

// envelope is the on-the-wire outer structure: which key decrypts this
// layer, plus the nacl/box ciphertext.
type envelope struct {
	KeyID        string `json:"keyid"`
	EphemeralPub []byte `json:"ephemeral_pub"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

// Decode implements codec.Codec.
func (c *Codec) Decode(raw []byte) (*codec.DecodedPacket, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("refcodec: malformed envelope: %w", err)
	}
	if len(env.EphemeralPub) != 32 || len(env.Nonce) != 24 {
		return nil, fmt.Errorf("refcodec: malformed envelope: bad key/nonce length")
	}

	secret, err := c.keys.SecretForKeyID(env.KeyID)
	if err != nil {
		return nil, fmt.Errorf("refcodec: secret lookup for %s: %w", env.KeyID, err)
	}
	if secret == nil || len(secret) != 32 {
		return nil, fmt.Errorf("refcodec: no local secret for keyid %s", env.KeyID)
	}

	var ephemeralPub, nonce, priv [32]byte
	copy(ephemeralPub[:], env.EphemeralPub)
	copy(nonce[:], env.Nonce)
	copy(priv[:], secret)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &priv)
	if !ok {
		return nil, fmt.Errorf("refcodec: decryption failed for keyid %s", env.KeyID)
	}

	var rec innerRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("refcodec: malformed inner record: %w", err)
	}

	return &codec.DecodedPacket{
		PacketID:  rec.PacketID,
		IsExit:    rec.IsExit,
		ExitType:  rec.ExitType,
		MessageID: rec.MessageID,
		ChunkNum:  rec.ChunkNum,
		NumChunks: rec.NumChunks,
		Payload:   rec.Payload,
		NextHop:   rec.NextHop,
		Expire:    rec.Expire,
	}, nil
}

// Encode implements codec.Codec. exitType is stamped on the exit layer
// only. chain is the full remaining route,
// chain[0] first; the packet is built from the innermost hop (chain's
// last element, the exit when isExit is true) outward, so the returned
// bytes are the single outermost layer ready to hand to chain[0].
func (c *Codec) Encode(payload []byte, chain []string, isExit bool, exitType int) ([]byte, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("refcodec: empty chain")
	}

	current := payload
	for i := len(chain) - 1; i >= 0; i-- {
		hopIsExit := isExit && i == len(chain)-1
		hopExitType := 0
		if hopIsExit {
			hopExitType = exitType
		}
		var nextHop string
		if i < len(chain)-1 {
			nextHop = chain[i+1]
		}

		wrapped, err := c.encodeLayer(current, chain[i], nextHop, hopIsExit, hopExitType)
		if err != nil {
			return nil, err
		}
		current = wrapped
	}

	return current, nil
}

func (c *Codec) encodeLayer(payload []byte, hopAddr, nextHop string, isExit bool, exitType int) ([]byte, error) {
	pub, err := c.keys.PublicForAddress(hopAddr)
	if err != nil {
		return nil, fmt.Errorf("refcodec: lookup public key for %s: %w", hopAddr, err)
	}

	recipientPub, err := pemToRawKey(pub.PEM)
	if err != nil {
		return nil, fmt.Errorf("refcodec: decode public key for %s: %w", hopAddr, err)
	}

	packetID := make([]byte, 16)
	if _, err := rand.Read(packetID); err != nil {
		return nil, fmt.Errorf("refcodec: generate packet id: %w", err)
	}

	rec := innerRecord{
		PacketID: packetID,
		IsExit:   isExit,
		ExitType: exitType,
		Payload:  payload,
		NextHop:  nextHop,
		Expire:   time.Now().Add(defaultExpireAfter),
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("refcodec: marshal inner record: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("refcodec: generate ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("refcodec: generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientPub, ephemeralPriv)

	env := envelope{
		KeyID:        pub.KeyID,
		EphemeralPub: ephemeralPub[:],
		Nonce:        nonce[:],
		Ciphertext:   ciphertext,
	}
	return json.Marshal(env)
}
