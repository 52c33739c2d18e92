package transfer

import (
	"crypto/md5"  //nolint:gosec // content-integrity check, not a security digest
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
)

// monitoredReader wraps the HTTP response body, tracking cumulative bytes
// for the low-speed-abort check and throttled progress callback, and
// feeding every byte through a running checksum digest.
type monitoredReader struct {
	r    io.Reader
	hash hash.Hash

	total int64

	windowStart time.Time
	windowBytes int64

	lastProgress time.Time
	onProgress   func(done int64)
}

// newHashForAlgorithm returns a fresh digest for algo, or nil for
// ChecksumNone.
func newHashForAlgorithm(algo ChecksumAlgorithm) hash.Hash {
	switch algo {
	case ChecksumMD5:
		return md5.New() //nolint:gosec
	case ChecksumSHA256:
		return sha256.New()
	default:
		return nil
	}
}

// newMonitoredReader wraps r, feeding every byte through h (which may be nil
// to skip checksumming, as for an upload). h may already carry bytes hashed
// from a prior partial attempt, so a resumed download's checksum covers the
// whole file rather than just the resumed tail.
func newMonitoredReader(r io.Reader, h hash.Hash, onProgress func(done int64)) *monitoredReader {
	now := time.Now()
	return &monitoredReader{r: r, hash: h, windowStart: now, lastProgress: now, onProgress: onProgress}
}

// hashExistingFile feeds the bytes already on disk at path through h, used
// to seed a resumed download's digest before new bytes are appended.
func hashExistingFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}

func (m *monitoredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		if m.hash != nil {
			m.hash.Write(p[:n])
		}
		m.total += int64(n)
		m.windowBytes += int64(n)

		now := time.Now()
		if now.Sub(m.lastProgress) >= progressThrottleInterval {
			m.lastProgress = now
			if m.onProgress != nil {
				m.onProgress(m.total)
			}
		}

		if elapsed := now.Sub(m.windowStart); elapsed >= lowSpeedWindow {
			rate := float64(m.windowBytes) / elapsed.Seconds()
			m.windowStart = now
			m.windowBytes = 0
			if rate < lowSpeedThresholdBytesPerSec {
				return n, fmt.Errorf("%w: transfer stalled below %d B/s", agenterr.ErrTimedOut, lowSpeedThresholdBytesPerSec)
			}
		}
	}
	return n, err
}

func (m *monitoredReader) checksum() string {
	if m.hash == nil {
		return ""
	}
	return hex.EncodeToString(m.hash.Sum(nil))
}
