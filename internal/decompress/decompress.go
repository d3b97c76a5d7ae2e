package decompress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Decompressor is a streaming transform from stored bytes to raw image bytes.
type Decompressor interface {
	// Decompress returns a stream of raw bytes read from in. Corrupt input
	// surfaces as an error from Read or Close.
	Decompress(ctx context.Context, in io.Reader) (io.ReadCloser, error)
	// Name identifies the transform in logs.
	Name() string
}

// Built-in codec names accepted by ForCodec.
const (
	CodecNone = "none"
	CodecGzip = "gzip"
	CodecZstd = "zstd"
	CodecXZ   = "xz"
)

// ErrUnknownCodec is returned by ForCodec for a name without a built-in codec.
var ErrUnknownCodec = errors.New("unknown codec")

// Func adapts a plain function into a Decompressor.
type Func struct {
	// Fn opens the raw stream.
	Fn func(ctx context.Context, in io.Reader) (io.ReadCloser, error)
	// Algo is reported by Name.
	Algo string
}

// Decompress calls Fn.
func (f *Func) Decompress(ctx context.Context, in io.Reader) (io.ReadCloser, error) {
	return f.Fn(ctx, in)
}

// Name returns Algo.
func (f *Func) Name() string {
	return f.Algo
}

// ForCodec returns the built-in codec with the given name.
func ForCodec(name string) (Decompressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CodecNone:
		return None(), nil
	case CodecGzip:
		return Gzip(), nil
	case CodecZstd:
		return Zstd(), nil
	case CodecXZ:
		return XZ(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// None passes stored bytes through unchanged.
func None() Decompressor {
	return &Func{
		Fn: func(_ context.Context, in io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(in), nil
		},
		Algo: CodecNone,
	}
}

// Gzip decompresses gzip streams.
func Gzip() Decompressor {
	return &Func{
		Fn: func(_ context.Context, in io.Reader) (io.ReadCloser, error) {
			gzr, err := gzip.NewReader(in)
			if err != nil {
				return nil, fmt.Errorf("gzip header: %w", err)
			}

			return gzr, nil
		},
		Algo: CodecGzip,
	}
}

// Zstd decompresses zstd streams.
func Zstd() Decompressor {
	return &Func{
		Fn: func(_ context.Context, in io.Reader) (io.ReadCloser, error) {
			decoder, err := zstd.NewReader(in)
			if err != nil {
				return nil, fmt.Errorf("zstd reader: %w", err)
			}

			return decoder.IOReadCloser(), nil
		},
		Algo: CodecZstd,
	}
}

// XZ decompresses xz streams.
func XZ() Decompressor {
	return &Func{
		Fn: func(_ context.Context, in io.Reader) (io.ReadCloser, error) {
			xzr, err := xz.NewReader(in)
			if err != nil {
				return nil, fmt.Errorf("xz header: %w", err)
			}

			return io.NopCloser(xzr), nil
		},
		Algo: CodecXZ,
	}
}
