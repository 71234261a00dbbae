package store

import (
	"fmt"
	"sort"
	"time"
)

// ChunkRecord is one stored piece of a multipart exit message.
type ChunkRecord struct {
	MessageID  []byte
	ChunkNum   int
	NumChunks  int
	Payload    []byte
	ReceivedAt time.Time
}

// InsertChunk stores a chunk record, replacing any existing record for the
// same (message_id, chunk_num); last write wins.
func (s *Store) InsertChunk(c *ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chunks (message_id, chunk_num, num_chunks, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, chunk_num) DO UPDATE SET
			num_chunks = excluded.num_chunks,
			payload = excluded.payload,
			received_at = excluded.received_at
	`, c.MessageID, c.ChunkNum, c.NumChunks, c.Payload, c.ReceivedAt.Unix())
	return err
}

// ChunkComplete reports whether every chunk_num in [1..num_chunks] is present
// for message_id with a single consistent num_chunks.
func (s *Store) ChunkComplete(messageID []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT chunk_num, num_chunks FROM chunks WHERE message_id = ?`, messageID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	seen := map[int]bool{}
	numChunks := -1
	for rows.Next() {
		var chunkNum, nc int
		if err := rows.Scan(&chunkNum, &nc); err != nil {
			return false, err
		}
		if numChunks == -1 {
			numChunks = nc
		} else if numChunks != nc {
			return false, nil // inconsistent num_chunks across records
		}
		seen[chunkNum] = true
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if numChunks <= 0 {
		return false, nil
	}
	for i := 1; i <= numChunks; i++ {
		if !seen[i] {
			return false, nil
		}
	}
	return true, nil
}

// AssembleChunks concatenates the stored payloads for message_id in
// ascending chunk_num order and atomically removes all records for that
// message_id. The caller should have verified ChunkComplete first.
func (s *Store) AssembleChunks(messageID []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT chunk_num, payload FROM chunks WHERE message_id = ? ORDER BY chunk_num ASC`, messageID)
	if err != nil {
		return nil, err
	}

	type piece struct {
		num     int
		payload []byte
	}
	var pieces []piece
	for rows.Next() {
		var p piece
		if err := rows.Scan(&p.num, &p.payload); err != nil {
			rows.Close()
			return nil, err
		}
		pieces = append(pieces, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(pieces) == 0 {
		return nil, fmt.Errorf("chunks: no records for message_id")
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].num < pieces[j].num })

	var out []byte
	for _, p := range pieces {
		out = append(out, p.payload...)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE message_id = ?`, messageID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return out, nil
}

// ExpireChunks removes chunk records older than retention and returns how
// many were dropped.
func (s *Store) ExpireChunks(now time.Time, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-retention).Unix()
	res, err := s.db.Exec(`DELETE FROM chunks WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
