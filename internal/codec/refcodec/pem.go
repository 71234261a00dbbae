package refcodec

import (
	"encoding/pem"
	"fmt"
)

// pemToRawKey extracts the raw 32-byte X25519 key from a PEM-encoded block
// (the "PUBLIC KEY" block emitted by internal/keydir). The block type is
// not checked.
func pemToRawKey(pemBytes []byte) ([32]byte, error) {
	var raw [32]byte

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return raw, fmt.Errorf("refcodec: no PEM block found")
	}
	if len(block.Bytes) != 32 {
		return raw, fmt.Errorf("refcodec: unexpected key length %d", len(block.Bytes))
	}

	copy(raw[:], block.Bytes)
	return raw, nil
}
