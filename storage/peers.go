package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanbeam/models"
)

// ErrPeerNotFound indicates no stored peer matches the requested ID.
var ErrPeerNotFound = errors.New("storage: peer not found")

// UpsertPeer inserts or refreshes a peer row keyed by peer ID.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if peer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if peer.Name == "" {
		return errors.New("name is required")
	}
	if peer.LastSeenTimestamp == 0 {
		peer.LastSeenTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			name,
			fingerprint,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name = excluded.name,
			fingerprint = excluded.fingerprint,
			last_seen_timestamp = excluded.last_seen_timestamp,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port`,
		peer.PeerID,
		peer.Name,
		peer.Fingerprint,
		peer.LastSeenTimestamp,
		peer.LastKnownIP,
		peer.LastKnownPort,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.PeerID, err)
	}

	return nil
}

// GetPeer returns one stored peer by ID.
func (s *Store) GetPeer(peerID string) (models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, name, fingerprint, last_seen_timestamp, last_known_ip, last_known_port
		 FROM peers WHERE peer_id = ?`,
		peerID,
	)

	var peer models.Peer
	err := row.Scan(
		&peer.PeerID,
		&peer.Name,
		&peer.Fingerprint,
		&peer.LastSeenTimestamp,
		&peer.LastKnownIP,
		&peer.LastKnownPort,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Peer{}, ErrPeerNotFound
	}
	if err != nil {
		return models.Peer{}, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// ListPeers returns all stored peers, most recently seen first.
func (s *Store) ListPeers() ([]models.Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, name, fingerprint, last_seen_timestamp, last_known_ip, last_known_port
		 FROM peers ORDER BY last_seen_timestamp DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var peers []models.Peer
	for rows.Next() {
		var peer models.Peer
		err := rows.Scan(
			&peer.PeerID,
			&peer.Name,
			&peer.Fingerprint,
			&peer.LastSeenTimestamp,
			&peer.LastKnownIP,
			&peer.LastKnownPort,
		)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}
