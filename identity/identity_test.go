package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureCredentialsGeneratesAndReloads(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	first, err := EnsureCredentials(certPath, keyPath)
	if err != nil {
		t.Fatalf("first EnsureCredentials failed: %v", err)
	}
	if len(first.Fingerprint) != 64 {
		t.Fatalf("expected 64 hex char fingerprint, got %d chars", len(first.Fingerprint))
	}
	if first.Fingerprint != strings.ToUpper(first.Fingerprint) {
		t.Fatalf("expected uppercase fingerprint, got %q", first.Fingerprint)
	}

	second, err := EnsureCredentials(certPath, keyPath)
	if err != nil {
		t.Fatalf("second EnsureCredentials failed: %v", err)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("expected stable fingerprint across restarts, got %q then %q", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsureCredentialsRegeneratesOnCorruptFiles(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	first, err := EnsureCredentials(certPath, keyPath)
	if err != nil {
		t.Fatalf("EnsureCredentials failed: %v", err)
	}

	if err := os.WriteFile(certPath, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("corrupt certificate write failed: %v", err)
	}

	second, err := EnsureCredentials(certPath, keyPath)
	if err != nil {
		t.Fatalf("EnsureCredentials after corruption failed: %v", err)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Fatalf("expected regenerated credentials to differ")
	}
}

func TestFingerprintMatchesCertificateDER(t *testing.T) {
	tempDir := t.TempDir()
	creds, err := EnsureCredentials(
		filepath.Join(tempDir, "certificate.pem"),
		filepath.Join(tempDir, "private_key.pem"),
	)
	if err != nil {
		t.Fatalf("EnsureCredentials failed: %v", err)
	}

	if got := Fingerprint(creds.TLSCertificate.Certificate[0]); got != creds.Fingerprint {
		t.Fatalf("fingerprint mismatch: %q vs %q", got, creds.Fingerprint)
	}
}

func TestFingerprintsEqualIgnoresCase(t *testing.T) {
	if !FingerprintsEqual("ABCDEF", "abcdef") {
		t.Fatalf("expected case-insensitive fingerprint comparison")
	}
	if FingerprintsEqual("ABCDEF", "ABCDEE") {
		t.Fatalf("expected different fingerprints to compare unequal")
	}
}

func TestFormatFingerprintGroupsBlocks(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	want := "ABCD 1234 EF"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
