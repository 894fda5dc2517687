package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

func fileSHA256(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for verification: %w", path, err)
	}

	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewRateLimiter returns a limiter for bytesPerSecond, or nil when the limit is disabled.
// The burst covers one chunk so a single WaitN never exceeds it.
func NewRateLimiter(bytesPerSecond int64, chunkSize int) RateLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(chunkSize, int(min(bytesPerSecond, 1<<30))))
}
