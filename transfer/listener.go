package transfer

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"lanbeam/identity"
	"lanbeam/models"
	"lanbeam/storage"
)

// ListenerOptions configures the receiving side of the transfer protocol.
type ListenerOptions struct {
	Credentials  *identity.Credentials
	DownloadsDir string

	// ControlAddress is the control channel bind address, ":0" by default.
	ControlAddress string

	// Store, when set, records finished transfers for the history log.
	Store *storage.Store

	FrameReadTimeout time.Duration
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	out := o
	if out.ControlAddress == "" {
		out.ControlAddress = ":0"
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o ListenerOptions) validate() error {
	if o.Credentials == nil {
		return errors.New("credentials are required")
	}
	if strings.TrimSpace(o.DownloadsDir) == "" {
		return errors.New("downloads directory is required")
	}
	return nil
}

// inboundTransfer tracks one accepted transfer's upload progress. Each
// transfer's mutable state is independent, keyed by transfer ID.
type inboundTransfer struct {
	mu sync.Mutex

	request        RequestTransfer
	filesCompleted int
}

// Listener accepts transfer-request handshakes over TLS, arbitrates approval
// through a DecisionRegistry, and receives streamed file data over HTTPS.
//
// Inbound certificate validation is intentionally absent: peers present
// self-signed certificates, and trust is established by the initiator
// pinning this listener's fingerprint, not the other way around.
type Listener struct {
	opts ListenerOptions

	controlLn net.Listener
	uploadLn  net.Listener
	uploadSrv *http.Server

	registry *DecisionRegistry
	states   *StateTracker

	mu       sync.Mutex
	accepted map[string]*inboundTransfer

	// emitMu orders channel sends against Close. Upload handlers run on
	// goroutines owned by the HTTP server, not wg, so their emits can race
	// the channel close without it.
	emitMu     sync.RWMutex
	emitClosed bool
	incoming   chan IncomingEvent
	statuses   chan Status
	errs       chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the control and upload endpoints and starts accepting.
func Listen(options ListenerOptions) (*Listener, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{opts.Credentials.TLSCertificate},
		MinVersion:   tls.VersionTLS12,
	}

	controlLn, err := tls.Listen("tcp", opts.ControlAddress, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen control channel on %q: %w", opts.ControlAddress, err)
	}

	uploadLn, err := tls.Listen("tcp", ":0", tlsConfig)
	if err != nil {
		_ = controlLn.Close()
		return nil, fmt.Errorf("listen upload channel: %w", err)
	}

	l := &Listener{
		opts:      opts,
		controlLn: controlLn,
		uploadLn:  uploadLn,
		registry:  NewDecisionRegistry(),
		states:    NewStateTracker(),
		accepted:  make(map[string]*inboundTransfer),
		incoming:  make(chan IncomingEvent, 16),
		statuses:  make(chan Status, 64),
		errs:      make(chan error, 16),
		closed:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", l.handleUpload)
	l.uploadSrv = &http.Server{Handler: mux}

	l.wg.Add(2)
	go l.acceptLoop()
	go func() {
		defer l.wg.Done()
		if err := l.uploadSrv.Serve(uploadLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.emitErr(fmt.Errorf("upload server: %w", err))
		}
	}()

	return l, nil
}

// ControlPort returns the advertised control channel port.
func (l *Listener) ControlPort() int {
	return l.controlLn.Addr().(*net.TCPAddr).Port
}

// UploadPort returns the HTTPS upload endpoint port.
func (l *Listener) UploadPort() int {
	return l.uploadLn.Addr().(*net.TCPAddr).Port
}

// Incoming returns approval-surface notifications.
func (l *Listener) Incoming() <-chan IncomingEvent {
	return l.incoming
}

// Statuses returns per-transfer progress/completion/error events.
func (l *Listener) Statuses() <-chan Status {
	return l.statuses
}

// Errors returns asynchronous listener errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Resolve delivers the external accept/decline decision for a pending
// transfer request. Unknown or already-resolved IDs are a no-op.
func (l *Listener) Resolve(transferID string, allowed bool) bool {
	return l.registry.Resolve(transferID, allowed)
}

// Close stops both endpoints and waits for in-flight handlers.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.controlLn.Close()
		_ = l.uploadSrv.Close()
		l.wg.Wait()

		l.emitMu.Lock()
		l.emitClosed = true
		l.emitMu.Unlock()

		close(l.incoming)
		close(l.statuses)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.controlLn.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			l.emitErr(fmt.Errorf("accept control connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleControlConn(conn)
	}
}

// controlConn serializes decision writes racing with the read loop's peer
// and tracks which requests on this connection still await a decision.
type controlConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

func newControlConn(conn net.Conn) *controlConn {
	return &controlConn{
		conn:    conn,
		pending: make(map[string]struct{}),
	}
}

func (c *controlConn) writeMessage(message any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, message)
}

func (c *controlConn) trackPending(transferID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[transferID] = struct{}{}
}

func (c *controlConn) clearPending(transferID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, transferID)
}

// drainPending empties and returns the still-undecided request IDs.
func (c *controlConn) drainPending() []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	c.pending = make(map[string]struct{})
	return out
}

func (c *controlConn) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (l *Listener) handleControlConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	cc := newControlConn(conn)

	for {
		payload, err := ReadFrameWithTimeout(conn, l.opts.FrameReadTimeout)
		if err != nil {
			// Connection dropped (or idled out) with requests still awaiting
			// a decision: discard them and notify the approval surface.
			for _, id := range cc.drainPending() {
				l.registry.Withdraw(id)
			}
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeRequestTransfer:
			var request RequestTransfer
			if err := json.Unmarshal(payload, &request); err != nil || request.ID == "" {
				continue
			}
			l.acceptRequest(cc, request)

		case TypeCancelTransfer:
			var cancel CancelTransfer
			if err := json.Unmarshal(payload, &cancel); err != nil {
				continue
			}
			cc.clearPending(cancel.ID)
			l.registry.Withdraw(cancel.ID)

		default:
			// Unknown control messages from peers are dropped.
		}
	}
}

func (l *Listener) acceptRequest(cc *controlConn, request RequestTransfer) {
	if err := l.states.Begin(request.ID); err != nil {
		return
	}

	decision, err := l.registry.Register(request)
	if err != nil {
		return
	}
	cc.trackPending(request.ID)

	l.emitIncoming(IncomingEvent{
		Type:       IncomingRequested,
		Request:    request,
		RemoteAddr: cc.conn.RemoteAddr().String(),
	})

	l.wg.Add(1)
	go l.awaitDecision(cc, request, decision)
}

func (l *Listener) awaitDecision(cc *controlConn, request RequestTransfer, decision *PendingDecision) {
	defer l.wg.Done()

	select {
	case outcome := <-decision.Outcome():
		cc.clearPending(request.ID)
		switch outcome {
		case OutcomeAllowed:
			l.states.Advance(request.ID, StateAccepted)
			l.trackAccepted(request)
			err := cc.writeMessage(TransferDecision{
				Type:       TypeTransferDecision,
				ID:         request.ID,
				Allowed:    true,
				UploadPort: l.UploadPort(),
			})
			if err != nil {
				l.emitErr(fmt.Errorf("send decision for %s: %w", request.ID, err))
			}

		case OutcomeDenied:
			l.states.Advance(request.ID, StateDeclined)
			err := cc.writeMessage(TransferDecision{
				Type:    TypeTransferDecision,
				ID:      request.ID,
				Allowed: false,
			})
			if err != nil {
				l.emitErr(fmt.Errorf("send decision for %s: %w", request.ID, err))
			}

		case OutcomeWithdrawn:
			l.states.Advance(request.ID, StateCancelled)
			l.emitIncoming(IncomingEvent{
				Type:       IncomingWithdrawn,
				Request:    request,
				RemoteAddr: cc.conn.RemoteAddr().String(),
			})
		}

	case <-l.closed:
	}
}

func (l *Listener) trackAccepted(request RequestTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted[request.ID] = &inboundTransfer{request: request}
}

func (l *Listener) acceptedTransfer(transferID string) *inboundTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepted[transferID]
}

func (l *Listener) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	transferID := query.Get("id")
	transfer := l.acceptedTransfer(transferID)
	if transfer == nil {
		http.Error(w, "transfer not accepted", http.StatusForbidden)
		return
	}

	filename, ok := safeFilename(query.Get("filename"))
	if !ok {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	declaredSize, _ := strconv.ParseInt(query.Get("size"), 10, 64)

	l.states.Advance(transferID, StateTransferring)

	if err := os.MkdirAll(l.opts.DownloadsDir, 0o700); err != nil {
		l.uploadFailed(transfer, filename, err, w)
		return
	}

	destPath := filepath.Join(l.opts.DownloadsDir, filename)
	dest, err := os.Create(destPath)
	if err != nil {
		l.uploadFailed(transfer, filename, err, w)
		return
	}

	_, copyErr := l.copyWithProgress(dest, r.Body, transferID, declaredSize)
	closeErr := dest.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		// Partial data stays on disk for the user to inspect.
		l.uploadFailed(transfer, filename, copyErr, w)
		return
	}

	l.emitStatus(Status{
		TransferID: transferID,
		Phase:      PhaseCompleted,
		Percentage: 100,
		SavedPath:  destPath,
	})

	if l.fileDone(transfer) {
		l.states.Advance(transferID, StateCompleted)
		l.recordHistory(transfer.request, models.TransferStatusCompleted, destPath)
		l.mu.Lock()
		delete(l.accepted, transferID)
		l.mu.Unlock()
	}

	w.WriteHeader(http.StatusOK)
}

func (l *Listener) copyWithProgress(dst io.Writer, src io.Reader, transferID string, declaredSize int64) (int64, error) {
	if declaredSize <= 0 {
		// No declared total: one indeterminate progress event, no percentages.
		l.emitStatus(Status{
			TransferID: transferID,
			Phase:      PhaseProgress,
			Percentage: IndeterminateProgress,
		})
	}

	buf := make([]byte, 32*1024)
	var received int64
	lastPercent := -1

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return received, writeErr
			}
			received += int64(n)

			if declaredSize > 0 {
				percent := int(received * 100 / declaredSize)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					l.emitStatus(Status{
						TransferID: transferID,
						Phase:      PhaseProgress,
						Percentage: percent,
					})
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return received, nil
			}
			return received, readErr
		}
	}
}

func (l *Listener) uploadFailed(transfer *inboundTransfer, filename string, err error, w http.ResponseWriter) {
	ioErr := &IOError{
		TransferID: transfer.request.ID,
		Filename:   filename,
		Err:        err,
	}
	l.states.Advance(transfer.request.ID, StateFailed)
	l.recordHistory(transfer.request, models.TransferStatusFailed, "")
	l.emitStatus(Status{
		TransferID: transfer.request.ID,
		Phase:      PhaseError,
		Message:    ioErr.Error(),
	})
	http.Error(w, "upload failed", http.StatusInternalServerError)
}

func (l *Listener) fileDone(transfer *inboundTransfer) bool {
	transfer.mu.Lock()
	defer transfer.mu.Unlock()

	transfer.filesCompleted++
	expected := transfer.request.FileCount
	if expected <= 0 {
		expected = 1
	}
	return transfer.filesCompleted >= expected
}

func (l *Listener) recordHistory(request RequestTransfer, status, savedPath string) {
	if l.opts.Store == nil {
		return
	}

	record := models.Transfer{
		TransferID: request.ID,
		PeerName:   request.SenderName,
		Direction:  models.TransferDirectionReceive,
		Filename:   request.FileName,
		FileCount:  request.FileCount,
		TotalSize:  request.TotalSize,
		Status:     status,
		SavedPath:  savedPath,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := l.opts.Store.RecordTransfer(record); err != nil {
		l.emitErr(fmt.Errorf("record transfer %s: %w", request.ID, err))
	}
}

func (l *Listener) emitIncoming(event IncomingEvent) {
	l.emitMu.RLock()
	defer l.emitMu.RUnlock()

	if l.emitClosed {
		return
	}
	select {
	case l.incoming <- event:
	default:
	}
}

func (l *Listener) emitStatus(status Status) {
	l.emitMu.RLock()
	defer l.emitMu.RUnlock()

	if l.emitClosed {
		return
	}
	select {
	case l.statuses <- status:
	default:
	}
}

func (l *Listener) emitErr(err error) {
	l.emitMu.RLock()
	defer l.emitMu.RUnlock()

	if l.emitClosed {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// safeFilename reduces a requested filename to a bare base name, rejecting
// traversal attempts.
func safeFilename(raw string) (string, bool) {
	name := filepath.Base(strings.TrimSpace(raw))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", false
	}
	if strings.ContainsAny(name, "/\\") {
		return "", false
	}
	return name, true
}
