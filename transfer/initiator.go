package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanbeam/discovery"
	"lanbeam/identity"
	"lanbeam/models"
	"lanbeam/storage"
)

// InitiatorOptions configures the sending side of the transfer protocol.
type InitiatorOptions struct {
	DeviceName string

	DecisionTimeout time.Duration
	DialTimeout     time.Duration

	// Store, when set, records finished transfer attempts.
	Store *storage.Store
}

func (o InitiatorOptions) withDefaults() InitiatorOptions {
	out := o
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = DefaultDecisionTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	return out
}

// Initiator connects to a peer's listener, performs the transfer handshake,
// and streams file data after approval.
type Initiator struct {
	opts   InitiatorOptions
	states *StateTracker

	statuses chan Status
}

// NewInitiator creates an initiator.
func NewInitiator(options InitiatorOptions) *Initiator {
	return &Initiator{
		opts:     options.withDefaults(),
		states:   NewStateTracker(),
		statuses: make(chan Status, 64),
	}
}

// Statuses returns per-transfer progress and terminal events.
func (i *Initiator) Statuses() <-chan Status {
	return i.statuses
}

type outboundFile struct {
	path string
	name string
	size int64
}

// Send requests a transfer to the peer and, once accepted, streams each file
// sequentially. The peer's presented certificate is verified against the
// fingerprint recorded at discovery time before any message is exchanged; a
// mismatch aborts with *TrustError.
//
// Returns the transfer ID assigned to this attempt.
func (i *Initiator) Send(ctx context.Context, peer discovery.Peer, paths []string) (string, error) {
	files, totalSize, err := statFiles(paths)
	if err != nil {
		return "", err
	}

	address := peer.DialAddress()
	if address == "" {
		return "", fmt.Errorf("peer %q has no dialable address", peer.PeerID)
	}
	if strings.TrimSpace(peer.Fingerprint) == "" {
		return "", fmt.Errorf("peer %q has no pinned fingerprint", peer.PeerID)
	}

	request := RequestTransfer{
		Type:       TypeRequestTransfer,
		ID:         uuid.NewString(),
		SenderName: i.opts.DeviceName,
		FileName:   files[0].name,
		FileSize:   files[0].size,
		FileType:   mime.TypeByExtension(strings.ToLower(filepath.Ext(files[0].name))),
		FileCount:  len(files),
		TotalSize:  totalSize,
	}

	if err := i.states.Begin(request.ID); err != nil {
		return request.ID, err
	}

	conn, err := i.dialPinned(ctx, address, peer)
	if err != nil {
		return request.ID, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := WriteMessage(conn, request); err != nil {
		sendErr := fmt.Errorf("send transfer request: %w", err)
		i.abort(request, peer, sendErr)
		return request.ID, sendErr
	}

	decision, err := i.awaitDecision(conn, request, peer)
	if err != nil {
		return request.ID, err
	}
	if !decision.Allowed {
		i.states.Advance(request.ID, StateDeclined)
		i.record(request, peer, models.TransferStatusDeclined)
		i.emitStatus(Status{TransferID: request.ID, Phase: PhaseDenied})
		return request.ID, ErrDeclined
	}

	i.states.Advance(request.ID, StateAccepted)

	if decision.UploadPort <= 0 {
		err := fmt.Errorf("transfer %s: accepted without upload port", request.ID)
		i.states.Advance(request.ID, StateFailed)
		i.record(request, peer, models.TransferStatusFailed)
		i.emitStatus(Status{TransferID: request.ID, Phase: PhaseError, Message: err.Error()})
		return request.ID, err
	}

	i.states.Advance(request.ID, StateTransferring)

	if err := i.uploadFiles(ctx, request, peer, address, decision.UploadPort, files, totalSize); err != nil {
		return request.ID, err
	}

	i.states.Advance(request.ID, StateCompleted)
	i.record(request, peer, models.TransferStatusCompleted)
	i.emitStatus(Status{TransferID: request.ID, Phase: PhaseCompleted, Percentage: 100})
	return request.ID, nil
}

func (i *Initiator) dialPinned(ctx context.Context, address string, peer discovery.Peer) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: i.opts.DialTimeout},
		Config:    pinnedTLSConfig(peer),
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		var trustErr *TrustError
		if errors.As(err, &trustErr) {
			return nil, trustErr
		}
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}

// awaitDecision reads control frames until the decision for this transfer
// arrives or the decision window closes. On timeout it notifies the peer
// with a cancel message so the pending decision does not linger remotely.
func (i *Initiator) awaitDecision(conn net.Conn, request RequestTransfer, peer discovery.Peer) (*TransferDecision, error) {
	deadline := time.Now().Add(i.opts.DecisionTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, i.decisionTimedOut(conn, request, peer)
		}

		payload, err := ReadFrameWithTimeout(conn, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, i.decisionTimedOut(conn, request, peer)
			}
			readErr := fmt.Errorf("read transfer decision: %w", err)
			i.abort(request, peer, readErr)
			return nil, readErr
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil || msgType != TypeTransferDecision {
			continue
		}

		var decision TransferDecision
		if err := json.Unmarshal(payload, &decision); err != nil || decision.ID != request.ID {
			continue
		}
		return &decision, nil
	}
}

func (i *Initiator) decisionTimedOut(conn net.Conn, request RequestTransfer, peer discovery.Peer) error {
	i.states.Advance(request.ID, StateTimedOut)
	i.record(request, peer, models.TransferStatusTimedOut)
	i.emitStatus(Status{TransferID: request.ID, Phase: PhaseTimedOut})

	_ = WriteMessage(conn, CancelTransfer{Type: TypeCancelTransfer, ID: request.ID})
	return ErrDecisionTimeout
}

// uploadFiles streams each file sequentially; a file starts only after the
// previous upload completed. Progress is cumulative bytes sent across the
// whole set divided by the declared total. One failure aborts the remaining
// queue; files already delivered stay delivered.
func (i *Initiator) uploadFiles(ctx context.Context, request RequestTransfer, peer discovery.Peer, controlAddress string, uploadPort int, files []outboundFile, totalSize int64) error {
	host, _, err := net.SplitHostPort(controlAddress)
	if err != nil {
		host = controlAddress
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: pinnedTLSConfig(peer),
		},
	}
	defer client.CloseIdleConnections()

	progress := &progressAccumulator{
		initiator:  i,
		transferID: request.ID,
		total:      totalSize,
	}
	if totalSize <= 0 {
		i.emitStatus(Status{TransferID: request.ID, Phase: PhaseProgress, Percentage: IndeterminateProgress})
	}

	for _, file := range files {
		if err := i.uploadFile(ctx, client, host, uploadPort, request.ID, file, progress); err != nil {
			ioErr := &IOError{TransferID: request.ID, Filename: file.name, Err: err}
			i.states.Advance(request.ID, StateFailed)
			i.record(request, peer, models.TransferStatusFailed)
			i.emitStatus(Status{TransferID: request.ID, Phase: PhaseError, Message: ioErr.Error()})
			return ioErr
		}
	}
	return nil
}

func (i *Initiator) uploadFile(ctx context.Context, client *http.Client, host string, uploadPort int, transferID string, file outboundFile, progress *progressAccumulator) error {
	src, err := os.Open(file.path)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	endpoint := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(host, strconv.Itoa(uploadPort)),
		Path:   "/upload",
		RawQuery: url.Values{
			"filename": {file.name},
			"id":       {transferID},
			"size":     {strconv.FormatInt(file.size, 10)},
		}.Encode(),
	}

	body := &progressReader{reader: src, progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.ContentLength = file.size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}

// abort handles connection errors before a decision arrived. The connection
// is the only hard-cancel mechanism, so this maps to the cancelled terminal
// state rather than a transfer failure.
func (i *Initiator) abort(request RequestTransfer, peer discovery.Peer, err error) {
	i.states.Advance(request.ID, StateCancelled)
	i.record(request, peer, models.TransferStatusCancelled)
	i.emitStatus(Status{TransferID: request.ID, Phase: PhaseError, Message: err.Error()})
}

func (i *Initiator) record(request RequestTransfer, peer discovery.Peer, status string) {
	if i.opts.Store == nil {
		return
	}

	record := models.Transfer{
		TransferID: request.ID,
		PeerID:     peer.PeerID,
		PeerName:   peer.Name,
		Direction:  models.TransferDirectionSend,
		Filename:   request.FileName,
		FileCount:  request.FileCount,
		TotalSize:  request.TotalSize,
		Status:     status,
		Timestamp:  time.Now().UnixMilli(),
	}
	_ = i.opts.Store.RecordTransfer(record)
}

func (i *Initiator) emitStatus(status Status) {
	select {
	case i.statuses <- status:
	default:
	}
}

// progressAccumulator tracks cumulative bytes sent across a multi-file set.
type progressAccumulator struct {
	initiator  *Initiator
	transferID string
	total      int64

	sent        int64
	lastPercent int
}

func (p *progressAccumulator) add(n int) {
	p.sent += int64(n)
	if p.total <= 0 {
		return
	}

	percent := int(p.sent * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if percent != p.lastPercent {
		p.lastPercent = percent
		p.initiator.emitStatus(Status{
			TransferID: p.transferID,
			Phase:      PhaseProgress,
			Percentage: percent,
		})
	}
}

type progressReader struct {
	reader   io.Reader
	progress *progressAccumulator
}

func (r *progressReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	if n > 0 {
		r.progress.add(n)
	}
	return n, err
}

// pinnedTLSConfig accepts any certificate at the transport layer, then pins
// the presented leaf against the fingerprint learned at discovery time.
// Chain validation stays disabled on purpose: certificates here are
// self-signed, and re-enabling CA validation would reject every peer.
func pinnedTLSConfig(peer discovery.Peer) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &TrustError{PeerName: peer.Name, Expected: peer.Fingerprint}
			}
			got := identity.Fingerprint(rawCerts[0])
			if !identity.FingerprintsEqual(got, peer.Fingerprint) {
				return &TrustError{
					PeerName: peer.Name,
					Expected: strings.ToUpper(peer.Fingerprint),
					Got:      got,
				}
			}
			return nil
		},
	}
}

func statFiles(paths []string) ([]outboundFile, int64, error) {
	if len(paths) == 0 {
		return nil, 0, errors.New("transfer: no files selected")
	}

	files := make([]outboundFile, 0, len(paths))
	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, 0, fmt.Errorf("stat %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, 0, fmt.Errorf("%q is a directory", path)
		}
		files = append(files, outboundFile{
			path: path,
			name: filepath.Base(path),
			size: info.Size(),
		})
		total += info.Size()
	}
	return files, total, nil
}
