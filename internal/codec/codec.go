package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	Gzip     = "gzip"
	Zstd     = "zstd"
	LZ4      = "lz4"
	Identity = "identity"
)

var (
	ErrTooLarge            = errors.New("codec: decoded body exceeds limit")
	ErrUnsupportedEncoding = errors.New("codec: unsupported content encoding")
)

// Codec compresses a batch body. Encode must be deterministic for equal
// input.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	ContentEncoding() string
}

// New returns the codec registered under name. An empty name selects gzip.
func New(name string) (Codec, error) {
	switch name {
	case "", Gzip:
		return gzipCodec{level: gzip.DefaultCompression}, nil
	case Zstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return zstdCodec{enc: enc}, nil
	case LZ4:
		return lz4Codec{}, nil
	case "none", Identity:
		return identityCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
}

// Compress encodes raw with c and keeps the result only if it is smaller.
// On failure raw is returned together with the error.
func Compress(c Codec, raw []byte) ([]byte, string, error) {
	if c == nil || c.ContentEncoding() == Identity {
		return raw, "", nil
	}

	encoded, err := c.Encode(raw)
	if err != nil {
		return raw, "", fmt.Errorf("%s encode: %w", c.ContentEncoding(), err)
	}
	if len(encoded) >= len(raw) {
		return raw, "", nil
	}
	return encoded, c.ContentEncoding(), nil
}

// Decode reverses Compress for the given Content-Encoding, reading at most
// limit decoded bytes. A non-positive limit disables the check.
func Decode(encoding string, body []byte, limit int64) ([]byte, error) {
	var (
		r       io.Reader
		closeFn func()
	)

	switch encoding {
	case "", Identity:
		r = bytes.NewReader(body)
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		r, closeFn = zr, func() { _ = zr.Close() }
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		r, closeFn = zr, zr.Close
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	if closeFn != nil {
		defer closeFn()
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", encoding, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

type gzipCodec struct {
	level int
}

func (c gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) ContentEncoding() string { return Gzip }

type zstdCodec struct {
	enc *zstd.Encoder
}

func (c zstdCodec) Encode(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (zstdCodec) ContentEncoding() string { return Zstd }

type lz4Codec struct{}

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) ContentEncoding() string { return LZ4 }

type identityCodec struct{}

func (identityCodec) Encode(data []byte) ([]byte, error) { return data, nil }

func (identityCodec) ContentEncoding() string { return Identity }
