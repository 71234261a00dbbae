// Package chunks reassembles multipart exit messages from the chunk
// records a remailer node receives across multiple inbound packets.
package chunks

import (
	"fmt"
	"time"

	"github.com/coderelay/mixnode/internal/store"
)

// Reassembler holds partial multipart exit messages until every chunk has
// arrived, then hands back the concatenated payload.
type Reassembler struct {
	store     *store.Store
	retention time.Duration
}

// New constructs a Reassembler backed by st, dropping chunk records older
// than retention on Expire.
func New(st *store.Store, retention time.Duration) *Reassembler {
	return &Reassembler{store: st, retention: retention}
}

// Insert stores one chunk of a multipart message. A record already present
// for the same (messageID, chunkNum) is replaced.
func (r *Reassembler) Insert(messageID []byte, chunkNum, numChunks int, payload []byte, receivedAt time.Time) error {
	return r.store.InsertChunk(&store.ChunkRecord{
		MessageID:  messageID,
		ChunkNum:   chunkNum,
		NumChunks:  numChunks,
		Payload:    payload,
		ReceivedAt: receivedAt,
	})
}

// Complete reports whether every chunk in [1..num_chunks] has arrived for
// messageID under a single consistent num_chunks.
func (r *Reassembler) Complete(messageID []byte) (bool, error) {
	return r.store.ChunkComplete(messageID)
}

// Assemble concatenates the stored chunks for messageID in ascending
// chunk_num order and atomically deletes the underlying records. Callers
// must have confirmed Complete first; Assemble on an incomplete or unknown
// message returns an error.
func (r *Reassembler) Assemble(messageID []byte) ([]byte, error) {
	complete, err := r.store.ChunkComplete(messageID)
	if err != nil {
		return nil, fmt.Errorf("chunks: assemble: %w", err)
	}
	if !complete {
		return nil, fmt.Errorf("chunks: assemble: message incomplete or unknown")
	}
	payload, err := r.store.AssembleChunks(messageID)
	if err != nil {
		return nil, fmt.Errorf("chunks: assemble: %w", err)
	}
	return payload, nil
}

// Expire removes chunk records older than the configured retention and
// returns how many were dropped.
func (r *Reassembler) Expire(now time.Time) (int64, error) {
	return r.store.ExpireChunks(now, r.retention)
}
