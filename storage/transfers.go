package storage

import (
	"errors"
	"fmt"

	"lanbeam/models"
)

func validateTransferStatus(status string) error {
	switch status {
	case models.TransferStatusCompleted,
		models.TransferStatusFailed,
		models.TransferStatusDeclined,
		models.TransferStatusCancelled,
		models.TransferStatusTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case models.TransferDirectionSend, models.TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

// RecordTransfer logs one finished transfer attempt. Recording the same
// transfer ID again overwrites the earlier row, so a transfer's final status
// wins.
func (s *Store) RecordTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.FileCount <= 0 {
		transfer.FileCount = 1
	}
	if transfer.Timestamp == 0 {
		transfer.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_id,
			peer_name,
			direction,
			filename,
			file_count,
			total_size,
			status,
			saved_path,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			status = excluded.status,
			saved_path = excluded.saved_path,
			timestamp = excluded.timestamp`,
		transfer.TransferID,
		transfer.PeerID,
		transfer.PeerName,
		transfer.Direction,
		transfer.Filename,
		transfer.FileCount,
		transfer.TotalSize,
		transfer.Status,
		transfer.SavedPath,
		transfer.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// ListTransfers returns the transfer history, newest first, bounded by limit
// (or all rows when limit <= 0).
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	query := `SELECT transfer_id, peer_id, peer_name, direction, filename, file_count, total_size, status, saved_path, timestamp
		 FROM transfers ORDER BY timestamp DESC, transfer_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var transfers []models.Transfer
	for rows.Next() {
		var transfer models.Transfer
		err := rows.Scan(
			&transfer.TransferID,
			&transfer.PeerID,
			&transfer.PeerName,
			&transfer.Direction,
			&transfer.Filename,
			&transfer.FileCount,
			&transfer.TotalSize,
			&transfer.Status,
			&transfer.SavedPath,
			&transfer.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}
