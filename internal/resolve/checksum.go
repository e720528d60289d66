package resolve

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ComputeBlake3 returns the hex BLAKE3 digest of a file.
func ComputeBlake3(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum checks the target's entry file against a pinned BLAKE3
// digest. An empty want disables the check.
func VerifyChecksum(t Target, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return nil
	}
	got, err := ComputeBlake3(t.Entry)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(t.Entry), want, got)
	}
	return nil
}
