package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-peer", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Peers()) == 2
	})
}

func TestPeerScannerIgnoresEntriesMissingRequiredRecords(t *testing.T) {
	incomplete := []*zeroconf.ServiceEntry{
		// Missing fp token.
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "NoFP"},
			Port:          9998,
			Text:          []string{"id=peer-nofp", "name=NoFP"},
			AddrIPv4:      []net.IP{net.ParseIP("10.0.0.2")},
		},
		// Missing A record.
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "NoAddr"},
			Port:          9998,
			Text:          []string{"id=peer-noaddr", "name=NoAddr", "fp=FP"},
		},
		// Missing SRV port.
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "NoPort"},
			Text:          []string{"id=peer-noport", "name=NoPort", "fp=FP"},
			AddrIPv4:      []net.IP{net.ParseIP("10.0.0.3")},
		},
		// Missing id token.
		{
			ServiceRecord: zeroconf.ServiceRecord{Instance: "NoID"},
			Port:          9998,
			Text:          []string{"name=NoID", "fp=FP"},
			AddrIPv4:      []net.IP{net.ParseIP("10.0.0.4")},
		},
	}

	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			for _, entry := range incomplete {
				entries <- entry
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if peers := scanner.Peers(); len(peers) != 0 {
		t.Fatalf("expected empty peer table, got %d entries", len(peers))
	}
}

func TestPeerScannerEvictsRestartedPeerSharingAddress(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-old", "Bob", 9998, "10.0.0.2")
			} else {
				entries <- testServiceEntry("peer-new", "Bob", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].PeerID == "peer-old"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].PeerID == "peer-new"
	})

	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-old", 2*time.Second) {
		t.Fatalf("expected removal event for restarted peer")
	}
}

func TestPeersSweepsStaleEntries(t *testing.T) {
	var mu sync.Mutex
	current := time.Unix(1_706_000_000, 0)

	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Peers()) == 1
	})

	mu.Lock()
	current = current.Add(DefaultPeerStaleAfter + time.Second)
	mu.Unlock()

	if peers := scanner.Peers(); len(peers) != 0 {
		t.Fatalf("expected stale peer to be swept, got %d entries", len(peers))
	}
	if _, ok := scanner.PeerByID("peer-1"); ok {
		t.Fatalf("expected stale peer lookup to miss")
	}
	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", time.Second) {
		t.Fatalf("expected removal event for stale peer")
	}
}

func TestPeersSweepAfterStopDoesNotPanic(t *testing.T) {
	var mu sync.Mutex
	current := time.Unix(1_706_000_000, 0)

	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Peers()) == 1
	})

	scanner.Stop()

	mu.Lock()
	current = current.Add(DefaultPeerStaleAfter + time.Second)
	mu.Unlock()

	// Callers may legally poll the table after Stop; the sweep still evicts
	// the stale record and must not write to the closed events channel.
	if peers := scanner.Peers(); len(peers) != 0 {
		t.Fatalf("expected stale peer to be swept after stop, got %d entries", len(peers))
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})
}

func TestPeerDialAddressPrefersIPv4(t *testing.T) {
	peer := Peer{
		Port:      53317,
		Addresses: []string{"fe80::1", "10.0.0.2"},
	}
	if got := peer.DialAddress(); got != "10.0.0.2:53317" {
		t.Fatalf("expected IPv4 dial address, got %q", got)
	}

	if got := (Peer{}).DialAddress(); got != "" {
		t.Fatalf("expected empty dial address for addressless peer, got %q", got)
	}
}

func testServiceEntry(peerID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"id=" + peerID,
			"name=" + instance,
			"fp=FP-" + peerID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
