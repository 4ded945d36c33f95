package pulse

import (
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// compressionPolicy decides per payload whether Send compresses it.
type compressionPolicy struct {
	enabled      bool
	threshold    int
	rttThreshold time.Duration
}

func newCompressionPolicy(cfg Config, role Role) compressionPolicy {
	return compressionPolicy{
		enabled:      cfg.applyCompression(role),
		threshold:    cfg.CompressionThreshold,
		rttThreshold: cfg.RTTCompressionThreshold,
	}
}

// shouldCompress compresses only large payloads on slow links.
func (p compressionPolicy) shouldCompress(size int, lastRTT time.Duration) bool {
	return p.enabled && size >= p.threshold && lastRTT > p.rttThreshold
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	return buf.Bytes(), nil
}

// decompress inflates a payload, refusing output larger than limit bytes.
func decompress(payload []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(ErrProtocolDecode, "decompress: %v", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, errors.Wrapf(ErrProtocolDecode, "decompress: %v", err)
	}
	if len(out) > limit {
		return nil, errors.Wrapf(ErrProtocolDecode, "decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
}
