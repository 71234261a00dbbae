package store

import (
	"database/sql"
	"time"
)

// PeerRecord represents a peer identity in the key directory. SecKey is
// present only for locally-owned identities.
type PeerRecord struct {
	KeyID       string
	Name        string
	Address     string
	PubKeyPEM   []byte
	SecKey      []byte // nil unless locally owned
	ValidFrom   time.Time
	ValidTo     time.Time
	Advertised  bool
	SMTPCapable bool
	IsLocal     bool
}

// UpsertPeer inserts or replaces a peer record, keyed by KeyID.
func (s *Store) UpsertPeer(p *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO peers (keyid, name, address, pubkey_pem, seckey, valid_from, valid_to, advertised, smtp_capable, is_local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(keyid) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			pubkey_pem = excluded.pubkey_pem,
			seckey = excluded.seckey,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			advertised = excluded.advertised,
			smtp_capable = excluded.smtp_capable,
			is_local = excluded.is_local
	`,
		p.KeyID, p.Name, p.Address, p.PubKeyPEM, p.SecKey,
		p.ValidFrom.Unix(), p.ValidTo.Unix(),
		boolToInt(p.Advertised), boolToInt(p.SMTPCapable), boolToInt(p.IsLocal),
	)
	return err
}

// GetPeer retrieves a peer record by keyid.
func (s *Store) GetPeer(keyid string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT keyid, name, address, pubkey_pem, seckey, valid_from, valid_to, advertised, smtp_capable, is_local
		FROM peers WHERE keyid = ?
	`, keyid)
	return scanPeer(row)
}

// AdvertisedByAddress returns the advertised peer at the given address, or
// nil if none matches.
func (s *Store) AdvertisedByAddress(addr string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT keyid, name, address, pubkey_pem, seckey, valid_from, valid_to, advertised, smtp_capable, is_local
		FROM peers WHERE address = ? AND advertised = 1
	`, addr)
	return scanPeer(row)
}

// LocalAdvertisable returns a currently-valid, advertised, locally-owned
// identity, or nil if none exists.
func (s *Store) LocalAdvertisable(now time.Time) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT keyid, name, address, pubkey_pem, seckey, valid_from, valid_to, advertised, smtp_capable, is_local
		FROM peers WHERE is_local = 1 AND advertised = 1 AND valid_from <= ? AND valid_to >= ?
		ORDER BY valid_to DESC LIMIT 1
	`, now.Unix(), now.Unix())
	return scanPeer(row)
}

// KnownAddresses returns the set of addresses of every advertised PeerRecord.
func (s *Store) KnownAddresses() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT address FROM peers WHERE advertised = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// SetAdvertisedWithinDays clears `advertised` for every record whose valid_to
// is within the given number of days of now. Returns the number of rows
// affected.
func (s *Store) SetAdvertisedWithinDays(now time.Time, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(time.Duration(days) * 24 * time.Hour).Unix()
	res, err := s.db.Exec(`UPDATE peers SET advertised = 0 WHERE advertised = 1 AND valid_to <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredPeers deletes every record whose valid_to has passed.
// Returns the number of rows deleted.
func (s *Store) DeleteExpiredPeers(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM peers WHERE valid_to < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SecretForKeyID returns the secret key bytes for keyid, or (nil, nil) if no
// row exists or the row has no secret key. Both cases return nil without
// an error.
func (s *Store) SecretForKeyID(keyid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seckey sql.NullString
	err := s.db.QueryRow(`SELECT seckey FROM peers WHERE keyid = ?`, keyid).Scan(&seckey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !seckey.Valid {
		return nil, nil
	}
	return []byte(seckey.String), nil
}

func scanPeer(row *sql.Row) (*PeerRecord, error) {
	var p PeerRecord
	var seckey sql.NullString
	var validFrom, validTo int64
	var advertised, smtpCapable, isLocal int

	err := row.Scan(
		&p.KeyID, &p.Name, &p.Address, &p.PubKeyPEM, &seckey,
		&validFrom, &validTo, &advertised, &smtpCapable, &isLocal,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if seckey.Valid {
		p.SecKey = []byte(seckey.String)
	}
	p.ValidFrom = time.Unix(validFrom, 0).UTC()
	p.ValidTo = time.Unix(validTo, 0).UTC()
	p.Advertised = advertised == 1
	p.SMTPCapable = smtpCapable == 1
	p.IsLocal = isLocal == 1

	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
