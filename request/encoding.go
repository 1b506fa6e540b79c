package request

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is wrapped when an uploaded part declares an encoding that can not be decoded.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

const contentEncodingHeader = "Content-Encoding"

// decodedPayload returns the section bytes of an uploaded part, decompressed when the
// part declares a zstd or gzip Content-Encoding.
func decodedPayload(file multipart.File, header *multipart.FileHeader) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(header.Header.Get(contentEncodingHeader)))

	switch encoding {
	case "", "identity":
		return file, nil
	case "zstd":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &decoder{Reader: zr, close: func() error { zr.Close(); return nil }, file: file}, nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return &decoder{Reader: gr, close: gr.Close, file: file}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// decoder closes the decompressor and the underlying part together.
type decoder struct {
	io.Reader
	close func() error
	file  io.Closer
}

func (d *decoder) Close() error {
	return errors.Join(d.close(), d.file.Close())
}
