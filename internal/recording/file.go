package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// FileSink writes recordings under a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Record writes chunks to <dir>/<meta.Key()>. The file is finalized even
// when ctx ends early, so a cancelled recording is still readable.
func (f *FileSink) Record(ctx context.Context, meta Meta, chunks <-chan []byte) error {
	p := filepath.Join(f.dir, filepath.FromSlash(meta.Key()))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("recording: create dir: %w", err)
	}

	file, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("recording: create file: %w", err)
	}

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return fmt.Errorf("recording: zstd writer: %w", err)
	}

	copyErr := copyChunks(ctx, zw, chunks)
	closeErr := zw.Close()
	fileErr := file.Close()

	log.Debug("recording written", "path", p)
	return errors.Join(copyErr, closeErr, fileErr)
}
