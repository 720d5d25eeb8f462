package iostream

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements Compressor against klauspost/compress/zstd,
// the block-stream compressor the capture file sink calls into on close
// when compression is enabled (spec section 6's "Compressor" collaborator).
type ZstdCompressor struct{}

func (ZstdCompressor) Encode(w io.Writer, r io.Reader, level int) error {
	encLevel := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return fmt.Errorf("iostream: create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("iostream: zstd encode: %w", err)
	}
	return enc.Close()
}

var _ Compressor = ZstdCompressor{}
