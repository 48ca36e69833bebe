// Package app wires identity, discovery, transfer, and storage into one
// node a caller surface (CLI or a future UI) drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"lanbeam/config"
	"lanbeam/discovery"
	"lanbeam/identity"
	"lanbeam/models"
	"lanbeam/storage"
	"lanbeam/transfer"
)

// ErrPeerNotFound is returned when a send targets a peer ID that is not in
// the live peer table.
var ErrPeerNotFound = errors.New("app: peer not found")

// Options configures node startup.
type Options struct {
	Config *config.DeviceConfig

	// Store, when set, persists seen peers and transfer history.
	Store *storage.Store

	// DisableDiscovery skips mDNS entirely. Sends then require the caller
	// to supply peers it learned elsewhere.
	DisableDiscovery bool

	startDiscovery func(discovery.Config) (*discovery.Service, error)
}

func (o Options) withDefaults() Options {
	out := o
	if out.startDiscovery == nil {
		out.startDiscovery = discovery.Start
	}
	return out
}

func (o Options) validate() error {
	if o.Config == nil {
		return errors.New("config is required")
	}
	return nil
}

// Node is a running peer: it is discoverable, accepts incoming transfer
// requests pending approval, and can initiate transfers to live peers.
type Node struct {
	cfg   *config.DeviceConfig
	creds *identity.Credentials
	store *storage.Store

	discovery *discovery.Service
	listener  *transfer.Listener
	initiator *transfer.Initiator

	statuses  chan transfer.Status
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start builds and starts a node from persisted configuration. The
// certificate is loaded or generated, the transfer listener is bound, and
// the listener's actual port is what discovery advertises.
func Start(options Options) (*Node, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	creds, err := identity.EnsureCredentials(cfg.CertificatePath, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity: %w", err)
	}

	controlAddress := ":0"
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		controlAddress = fmt.Sprintf(":%d", cfg.ListeningPort)
	}

	listener, err := transfer.Listen(transfer.ListenerOptions{
		Credentials:    creds,
		DownloadsDir:   cfg.DownloadsDir,
		ControlAddress: controlAddress,
		Store:          opts.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("start transfer listener: %w", err)
	}

	node := &Node{
		cfg:       cfg,
		creds:     creds,
		store:     opts.Store,
		listener:  listener,
		initiator: transfer.NewInitiator(transfer.InitiatorOptions{
			DeviceName: cfg.DeviceName,
			Store:      opts.Store,
		}),
		statuses: make(chan transfer.Status, 64),
		closed:   make(chan struct{}),
	}

	if !opts.DisableDiscovery {
		service, err := opts.startDiscovery(discovery.Config{
			SelfPeerID:    cfg.DeviceID,
			DeviceName:    cfg.DeviceName,
			ListeningPort: listener.ControlPort(),
			Fingerprint:   creds.Fingerprint,
		})
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("start discovery: %w", err)
		}
		node.discovery = service
	}

	node.wg.Add(2)
	go node.forwardStatuses(node.listener.Statuses())
	go node.forwardStatuses(node.initiator.Statuses())

	return node, nil
}

// Fingerprint returns the local certificate fingerprint in display form.
func (n *Node) Fingerprint() string {
	return identity.FormatFingerprint(n.creds.Fingerprint)
}

// ControlPort returns the port the transfer listener is bound to.
func (n *Node) ControlPort() int {
	return n.listener.ControlPort()
}

// ListPeers returns the live peer table, stale entries already swept.
func (n *Node) ListPeers() []discovery.Peer {
	if n.discovery == nil {
		return nil
	}
	return n.discovery.Scanner.Peers()
}

// PeerEvents returns discovery notifications. Nil without discovery.
func (n *Node) PeerEvents() <-chan discovery.Event {
	if n.discovery == nil {
		return nil
	}
	return n.discovery.Scanner.Events()
}

// Incoming returns inbound transfer requests awaiting ResolveIncoming, plus
// withdrawals for requests the remote side abandoned.
func (n *Node) Incoming() <-chan transfer.IncomingEvent {
	return n.listener.Incoming()
}

// TransferStatuses returns progress and terminal events from both transfer
// directions on one channel.
func (n *Node) TransferStatuses() <-chan transfer.Status {
	return n.statuses
}

// SendFiles starts a transfer of the given local files to a live peer,
// blocking until the transfer finishes or fails. The returned ID also tags
// the transfer's status events.
func (n *Node) SendFiles(ctx context.Context, peerID string, paths []string) (string, error) {
	peer, ok := n.lookupPeer(peerID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrPeerNotFound, peerID)
	}
	return n.initiator.Send(ctx, peer, paths)
}

// SendFilesTo is SendFiles for a caller-supplied peer record, used when
// discovery is disabled or the peer came from elsewhere.
func (n *Node) SendFilesTo(ctx context.Context, peer discovery.Peer, paths []string) (string, error) {
	return n.initiator.Send(ctx, peer, paths)
}

// ResolveIncoming delivers the user's accept/decline decision for a pending
// incoming request. Unknown or already-settled IDs report false.
func (n *Node) ResolveIncoming(transferID string, allowed bool) bool {
	return n.listener.Resolve(transferID, allowed)
}

// History returns the most recent transfer records, newest first. Without a
// store it returns nothing.
func (n *Node) History(limit int) ([]models.Transfer, error) {
	if n.store == nil {
		return nil, nil
	}
	return n.store.ListTransfers(limit)
}

// RememberPeer persists a discovered peer for the saved-peers list.
func (n *Node) RememberPeer(peer discovery.Peer) error {
	if n.store == nil {
		return nil
	}
	lastIP := ""
	if host, _, err := net.SplitHostPort(peer.DialAddress()); err == nil {
		lastIP = host
	}
	return n.store.UpsertPeer(models.Peer{
		PeerID:            peer.PeerID,
		Name:              peer.Name,
		Fingerprint:       peer.Fingerprint,
		LastSeenTimestamp: peer.LastSeen.UnixMilli(),
		LastKnownIP:       lastIP,
		LastKnownPort:     peer.Port,
	})
}

// Close stops discovery and the listener and waits for forwarders.
func (n *Node) Close() error {
	var closeErr error
	n.closeOnce.Do(func() {
		close(n.closed)
		if n.discovery != nil {
			n.discovery.Stop()
		}
		closeErr = n.listener.Close()
		n.wg.Wait()
		close(n.statuses)
	})
	return closeErr
}

func (n *Node) lookupPeer(peerID string) (discovery.Peer, bool) {
	if n.discovery == nil {
		return discovery.Peer{}, false
	}
	return n.discovery.Scanner.PeerByID(peerID)
}

func (n *Node) forwardStatuses(in <-chan transfer.Status) {
	defer n.wg.Done()

	for {
		select {
		case status, ok := <-in:
			if !ok {
				return
			}
			select {
			case n.statuses <- status:
			default:
			}
		case <-n.closed:
			return
		}
	}
}
