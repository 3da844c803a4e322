package db

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// PayloadCodec compresses raw webhook bodies for the event ledger.
type PayloadCodec struct {
	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewPayloadCodec creates a codec with a shared encoder and pooled decoders.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &PayloadCodec{
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					// Cannot fail with nil input and default options.
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Compress returns the zstd frame for payload. Empty input stays empty.
func (c *PayloadCodec) Compress(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

// Decompress reverses Compress.
func (c *PayloadCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
