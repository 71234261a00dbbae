// Package codec defines the packet-decoding boundary between the
// remailer's inbound/outbound engine and the concrete cryptographic wire
// format. The engine only ever talks
// to the Codec interface; internal/codec/refcodec supplies a runnable
// default.
package codec

import "time"

// DecodedPacket is the structured record produced by decoding an on-disk
// inbound packet file. Fields present depend on IsExit.
type DecodedPacket struct {
	PacketID  []byte
	IsExit    bool
	ExitType  int // 1 denotes a dummy packet
	MessageID []byte
	ChunkNum  int
	NumChunks int
	Payload   []byte
	NextHop   string
	Expire    time.Time
}

// Codec decodes an inbound packet file and encodes an outbound one. A
// concrete implementation owns the actual cryptographic transform; the
// engine never reaches past this interface.
type Codec interface {
	// Decode parses and, where applicable, decrypts one layer of raw,
	// returning the resulting record. A malformed or undecryptable packet
	// returns a non-nil error; the caller deletes the file and moves on.
	Decode(raw []byte) (*DecodedPacket, error)

	// Encode seals payload for delivery along chain (a sequence of peer
	// addresses, chain[0] being the first hop the result is handed to),
	// marking the result for exit delivery when isExit is true.
	// exitType is stamped on the exit layer only (1 denotes a dummy
	// packet); callers building a non-exit or ordinary exit packet pass 0.
	Encode(payload []byte, chain []string, isExit bool, exitType int) ([]byte, error)
}
