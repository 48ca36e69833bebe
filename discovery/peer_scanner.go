package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for caller consumption.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer contains a discovered LAN endpoint and its pinned fingerprint.
type Peer struct {
	PeerID      string
	Name        string
	Fingerprint string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// DialAddress returns the host:port endpoint used to reach this peer,
// preferring the first IPv4 address.
func (p Peer) DialAddress() string {
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(addr, strconv.Itoa(p.Port))
		}
	}
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
	}
	return ""
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse
// operations.
//
// Records live in a table keyed by peer ID. Each browse hit refreshes the
// record's LastSeen; records older than PeerStaleAfter are evicted lazily
// when Peers is called, so polling Peers is itself the eviction mechanism.
type PeerScanner struct {
	cfg Config

	browse browseFunc
	now    func() time.Time

	mu    sync.RWMutex
	peers map[string]Peer

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		now:             cfg.now,
		peers:           make(map[string]Peer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.eventsMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.eventsMu.Unlock()
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// Peers sweeps stale records, then returns a snapshot of the table sorted by
// name.
func (s *PeerScanner) Peers() []Peer {
	now := s.now()

	s.mu.Lock()
	out := make([]Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
			continue
		}
		out = append(out, peer)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// PeerByID returns a live peer record if present and fresh.
func (s *PeerScanner) PeerByID(peerID string) (Peer, bool) {
	now := s.now()

	s.mu.RLock()
	peer, ok := s.peers[peerID]
	s.mu.RUnlock()

	if !ok || now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter {
		return Peer{}, false
	}
	return peer, true
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the peer table immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfPeerID)
				if !ok {
					continue
				}
				s.upsert(peer)
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// upsert records a discovery response. An existing record sharing an address
// with the new one but carrying a different peer ID is treated as a restart
// of the same host and evicted first.
func (s *PeerScanner) upsert(peer Peer) {
	peer.LastSeen = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.peers {
		if id == peer.PeerID {
			continue
		}
		if sharesAddress(existing.Addresses, peer.Addresses) {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: existing})
		}
	}

	old, exists := s.peers[peer.PeerID]
	s.peers[peer.PeerID] = peer
	if !exists || !peersEqual(old, peer) {
		s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
	}
}

// emitEvent drops the event when the buffer is full or the scanner is
// stopped. Peers() keeps sweeping after Stop, so late sweeps must not write
// to the closed channel.
func (s *PeerScanner) emitEvent(event Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if s.eventsClosed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry validates a browse result. Entries missing the id or fp TXT
// tokens, missing addresses or port, or advertising our own ID are dropped.
func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["id"])
	if peerID == "" || peerID == selfPeerID {
		return Peer{}, false
	}

	fingerprint := strings.TrimSpace(txt["fp"])
	if fingerprint == "" {
		return Peer{}, false
	}

	if entry.Port <= 0 {
		return Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return Peer{}, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return Peer{
		PeerID:      peerID,
		Name:        name,
		Fingerprint: fingerprint,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func sharesAddress(a, b []string) bool {
	for _, left := range a {
		for _, right := range b {
			if left == right {
				return true
			}
		}
	}
	return false
}

func peersEqual(a, b Peer) bool {
	if a.PeerID != b.PeerID ||
		a.Name != b.Name ||
		a.Fingerprint != b.Fingerprint ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
