package models

// Peer represents a remote device learned through discovery.
type Peer struct {
	PeerID            string `json:"peer_id"`
	Name              string `json:"name"`
	Fingerprint       string `json:"fingerprint"`
	LastSeenTimestamp int64  `json:"last_seen_timestamp"`
	LastKnownIP       string `json:"last_known_ip"`
	LastKnownPort     int    `json:"last_known_port"`
}
