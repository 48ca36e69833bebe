package storage

import (
	"errors"
	"testing"

	"lanbeam/models"
)

func TestUpsertPeerInsertsAndUpdates(t *testing.T) {
	store := newTestStore(t)

	err := store.UpsertPeer(models.Peer{
		PeerID:            "peer-1",
		Name:              "Bob",
		Fingerprint:       "AAAA",
		LastSeenTimestamp: 1000,
		LastKnownIP:       "10.0.0.2",
		LastKnownPort:     53317,
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err = store.UpsertPeer(models.Peer{
		PeerID:            "peer-1",
		Name:              "Bob Laptop",
		Fingerprint:       "BBBB",
		LastSeenTimestamp: 2000,
		LastKnownIP:       "10.0.0.3",
		LastKnownPort:     53318,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Name != "Bob Laptop" || peer.Fingerprint != "BBBB" {
		t.Fatalf("expected updated row, got %+v", peer)
	}
	if peer.LastSeenTimestamp != 2000 || peer.LastKnownIP != "10.0.0.3" {
		t.Fatalf("expected refreshed liveness columns, got %+v", peer)
	}

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected one row after upsert, got %d", len(peers))
	}
}

func TestUpsertPeerValidatesRequiredFields(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(models.Peer{Name: "No ID"}); err == nil {
		t.Fatalf("expected error for missing peer_id")
	}
	if err := store.UpsertPeer(models.Peer{PeerID: "peer-1"}); err == nil {
		t.Fatalf("expected error for missing name")
	}
}

func TestGetPeerMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPeer("absent")
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestListPeersOrdersByRecency(t *testing.T) {
	store := newTestStore(t)

	for _, peer := range []models.Peer{
		{PeerID: "peer-old", Name: "Old", LastSeenTimestamp: 1000},
		{PeerID: "peer-new", Name: "New", LastSeenTimestamp: 3000},
		{PeerID: "peer-mid", Name: "Mid", LastSeenTimestamp: 2000},
	} {
		if err := store.UpsertPeer(peer); err != nil {
			t.Fatalf("upsert %q failed: %v", peer.PeerID, err)
		}
	}

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	if peers[0].PeerID != "peer-new" || peers[2].PeerID != "peer-old" {
		t.Fatalf("expected recency ordering, got %v", peers)
	}
}
