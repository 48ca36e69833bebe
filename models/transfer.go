package models

// Transfer direction values.
const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"
)

// Transfer status values.
const (
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusDeclined  = "declined"
	TransferStatusCancelled = "cancelled"
	TransferStatusTimedOut  = "timed_out"
)

// Transfer represents one finished transfer attempt for the history log.
type Transfer struct {
	TransferID string `json:"transfer_id"`
	PeerID     string `json:"peer_id"`
	PeerName   string `json:"peer_name"`
	Direction  string `json:"direction"`
	Filename   string `json:"filename"`
	FileCount  int    `json:"file_count"`
	TotalSize  int64  `json:"total_size"`
	Status     string `json:"status"`
	SavedPath  string `json:"saved_path"`
	Timestamp  int64  `json:"timestamp"`
}
