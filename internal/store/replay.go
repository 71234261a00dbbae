package store

import "time"

// SeenOrMark checks whether packetID is already present in the replay log;
// if not, it inserts it with the given expiry and returns false. If it is
// already present, it returns true and the caller must drop the packet.
func (s *Store) SeenOrMark(packetID []byte, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM seen_packets WHERE packet_id = ?`, packetID).Scan(&exists)
	if err == nil {
		return true, nil
	}

	_, err = s.db.Exec(`INSERT INTO seen_packets (packet_id, expires_at) VALUES (?, ?)`, packetID, expiresAt.Unix())
	if err != nil {
		return false, err
	}
	return false, nil
}

// PruneReplayLog deletes every entry whose expiry has passed and returns the
// number removed.
func (s *Store) PruneReplayLog(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM seen_packets WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplayLogSize returns the current cardinality of the replay log, for
// operator visibility after a prune.
func (s *Store) ReplayLogSize() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM seen_packets`).Scan(&n)
	return n, err
}
