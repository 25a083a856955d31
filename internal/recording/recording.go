// Package recording persists relayed desktop video.
//
// A recording is a zstd stream of length-prefixed chunks: a 4-byte
// big-endian length followed by that many bytes, repeated.
package recording

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"

	"relaybroker/internal/config"
	"relaybroker/internal/logging"
)

var log = logging.L("recording")

const maxChunkLen = 64 << 20

var ErrChunkTooLarge = errors.New("recording: chunk exceeds maximum length")

// Meta identifies what a recording belongs to.
type Meta struct {
	OrganizationID string
	DeviceID       string
	SessionID      string
	StreamID       string
	StartedAt      time.Time
}

// Key is the slash-separated object name for the recording.
func (m Meta) Key() string {
	org, dev := m.OrganizationID, m.DeviceID
	if org == "" {
		org = "unknown"
	}
	if dev == "" {
		dev = "unknown"
	}
	return path.Join(org, dev, m.StartedAt.UTC().Format("20060102T150405Z")+"_"+m.StreamID+".rec.zst")
}

// Sink consumes chunks until the channel is closed or ctx is done.
type Sink interface {
	Record(ctx context.Context, meta Meta, chunks <-chan []byte) error
}

// New builds the sink selected by cfg.Backend. It returns a nil Sink for
// the none backend.
func New(ctx context.Context, cfg config.RecordingConfig) (Sink, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileSink(cfg.Dir), nil
	case "s3":
		return NewS3Sink(ctx, cfg)
	default:
		return nil, fmt.Errorf("recording: unknown backend %q", cfg.Backend)
	}
}

func copyChunks(ctx context.Context, w io.Writer, chunks <-chan []byte) error {
	var hdr [4]byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if len(chunk) > maxChunkLen {
				return ErrChunkTooLarge
			}
			binary.BigEndian.PutUint32(hdr[:], uint32(len(chunk)))
			if _, err := w.Write(hdr[:]); err != nil {
				return err
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	}
}

// ReadChunks decodes a whole recording.
func ReadChunks(r io.Reader) ([][]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var (
		out [][]byte
		hdr [4]byte
	)
	for {
		if _, err := io.ReadFull(zr, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxChunkLen {
			return nil, ErrChunkTooLarge
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(zr, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
}
