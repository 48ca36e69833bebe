package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"lanbeam/app"
	"lanbeam/config"
	"lanbeam/discovery"
	"lanbeam/storage"
	"lanbeam/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	node, err := app.Start(app.Options{
		Config: cfg,
		Store:  store,
	})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Control Port:    %d\n", node.ControlPort())
	fmt.Printf("Fingerprint:     %s\n", node.Fingerprint())
	fmt.Printf("Downloads:       %s\n", cfg.DownloadsDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	go logPeerEvents(node)
	go logIncoming(node.Incoming())
	go logTransferStatuses(node.TransferStatuses())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logPeerEvents(node *app.Node) {
	for event := range node.PeerEvents() {
		switch event.Type {
		case discovery.EventPeerUpserted:
			log.Printf("discovery: peer available id=%s name=%q addr=%v port=%d",
				event.Peer.PeerID, event.Peer.Name, event.Peer.Addresses, event.Peer.Port)
			if err := node.RememberPeer(event.Peer); err != nil {
				log.Printf("discovery: remember peer %s: %v", event.Peer.PeerID, err)
			}
		case discovery.EventPeerRemoved:
			log.Printf("discovery: peer removed id=%s", event.Peer.PeerID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Peer.PeerID)
		}
	}
}

func logIncoming(events <-chan transfer.IncomingEvent) {
	for event := range events {
		switch event.Type {
		case transfer.IncomingRequested:
			log.Printf("transfer: incoming request id=%s from=%q files=%d total=%d bytes",
				event.Request.ID, event.Request.SenderName, event.Request.FileCount, event.Request.TotalSize)
		case transfer.IncomingWithdrawn:
			log.Printf("transfer: request withdrawn id=%s", event.Request.ID)
		}
	}
}

func logTransferStatuses(statuses <-chan transfer.Status) {
	for status := range statuses {
		switch status.Phase {
		case transfer.PhaseProgress:
			if status.Percentage == transfer.IndeterminateProgress {
				log.Printf("transfer %s: receiving (size unknown)", status.TransferID)
			} else {
				log.Printf("transfer %s: %d%%", status.TransferID, status.Percentage)
			}
		case transfer.PhaseCompleted:
			if status.SavedPath != "" {
				log.Printf("transfer %s: completed, saved to %s", status.TransferID, status.SavedPath)
			} else {
				log.Printf("transfer %s: completed", status.TransferID)
			}
		case transfer.PhaseError:
			log.Printf("transfer %s: failed: %s", status.TransferID, status.Message)
		case transfer.PhaseDenied:
			log.Printf("transfer %s: declined by peer", status.TransferID)
		case transfer.PhaseTimedOut:
			log.Printf("transfer %s: no decision from peer, timed out", status.TransferID)
		}
	}
}
