// Package request reads the section of an upload carried by an HTTP request.
package request

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-chunkmerge/fingerprint"
)

const (
	// DefaultFileField is the multipart field holding the section bytes.
	DefaultFileField = "file"

	defaultMaxMemory = 32 << 20
)

var (
	// ErrMissingParameter is wrapped when a required form parameter is absent or invalid.
	ErrMissingParameter = errors.New("missing upload parameter")
	// ErrMissingFile is wrapped when the request carries no uploaded part.
	ErrMissingFile = errors.New("missing uploaded file")
	// ErrUnsupportedRequest is returned by Detect when no extractor recognises the request.
	ErrUnsupportedRequest = errors.New("request is not a chunked upload")
)

// Chunk is one section read from a request. The caller closes Payload.
type Chunk struct {
	Session fingerprint.UploadSession
	// Index is 1-based whatever the client counts from.
	Index   int
	Payload io.ReadCloser
}

// IsFirst reports whether this is the first section of the upload.
func (c Chunk) IsFirst() bool {
	return c.Index == 1
}

// IsChunked reports whether the upload was split at all.
func (c Chunk) IsChunked() bool {
	return c.Session.ExpectedTotal > 1
}

// Extractor reads chunks sent by one client protocol.
type Extractor interface {
	// CanHandle reports whether the protocol's parameters are present on r.
	CanHandle(r *http.Request) bool
	Extract(r *http.Request) (Chunk, error)
}

// Detect returns the first extractor able to handle r.
func Detect(r *http.Request, extractors ...Extractor) (Extractor, error) {
	for _, extractor := range extractors {
		if extractor.CanHandle(r) {
			return extractor, nil
		}
	}
	return nil, ErrUnsupportedRequest
}

// Qualifiers select what is added to the session prefix besides the file name.
type Qualifiers struct {
	// UseSession adds the id SessionID returns, isolating uploads per server session.
	UseSession bool
	SessionID  func(r *http.Request) (string, error)
	// UseBrowser adds a fingerprint of the client address and user agent.
	UseBrowser bool
}

func (q Qualifiers) apply(r *http.Request, s *fingerprint.UploadSession) error {
	if q.UseSession {
		if q.SessionID == nil {
			return fmt.Errorf("session qualifier enabled without a session id resolver")
		}
		id, err := q.SessionID(r)
		if err != nil {
			return fmt.Errorf("resolve session id: %w", err)
		}
		s.SessionQualifier = id
	}
	if q.UseBrowser {
		s.ClientQualifier = fingerprint.ClientFingerprint(clientIP(r), r.UserAgent())
	}
	return nil
}

// params names the form parameters of one protocol.
type params struct {
	index     string
	total     string
	fileName  string
	fileField string
	// indexBase is the index the client gives its first section.
	indexBase int
}

func (p params) canHandle(r *http.Request) bool {
	if err := parseForm(r); err != nil {
		return false
	}
	_, hasIndex := r.Form[p.index]
	_, hasTotal := r.Form[p.total]
	return hasIndex && hasTotal
}

func (p params) extract(r *http.Request, q Qualifiers) (Chunk, error) {
	if err := parseForm(r); err != nil {
		return Chunk{}, fmt.Errorf("parse upload form: %w", err)
	}

	index, err := intParam(r, p.index)
	if err != nil {
		return Chunk{}, err
	}
	total, err := intParam(r, p.total)
	if err != nil {
		return Chunk{}, err
	}

	fileField := p.fileField
	if fileField == "" {
		fileField = DefaultFileField
	}
	file, header, err := r.FormFile(fileField)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: %s: %w", ErrMissingFile, fileField, err)
	}

	s := fingerprint.UploadSession{
		OriginalFileName: r.FormValue(p.fileName),
		ExpectedTotal:    total,
	}
	if s.OriginalFileName == "" {
		s.OriginalFileName = header.Filename
	}

	chunk := Chunk{Session: s, Index: index - p.indexBase + 1}
	if err := q.apply(r, &chunk.Session); err != nil {
		_ = file.Close()
		return Chunk{}, err
	}
	if err := chunk.Session.Validate(); err != nil {
		_ = file.Close()
		return Chunk{}, err
	}
	if chunk.Index < 1 {
		_ = file.Close()
		return Chunk{}, fmt.Errorf("%w: %s=%d", ErrMissingParameter, p.index, index)
	}

	chunk.Payload, err = decodedPayload(file, header)
	if err != nil {
		_ = file.Close()
		return Chunk{}, err
	}
	return chunk, nil
}

func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(defaultMaxMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func intParam(r *http.Request, key string) (int, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingParameter, key)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrMissingParameter, key, raw)
	}
	return value, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
