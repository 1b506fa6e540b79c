// Package fingerprint derives the deterministic file names that group the chunks of one
// logical upload. The file name is the only session identity: there is no registry, two
// sessions with the same original file name and qualifiers are the same session.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// ChunkExtension is the extension of every stored section.
	ChunkExtension = "part"
	// ArtifactExtension is the extension of the merged file.
	ArtifactExtension = "combined"

	sectionToken     = "--section-"
	qualifierJoin    = "-"
	defaultUserAgent = "no-browser"
)

var validate = validator.New()

// UploadSession identifies one logical file being assembled from sections.
type UploadSession struct {
	// OriginalFileName is the client supplied name, used verbatim.
	OriginalFileName string `validate:"required,excludesall=/\\,excludes=--section-"`
	// SessionQualifier isolates uploads per server session when set.
	SessionQualifier string `validate:"excludesall=/\\,excludes=--section-"`
	// ClientQualifier isolates uploads per browser when set, see ClientFingerprint.
	ClientQualifier string `validate:"excludesall=/\\,excludes=--section-"`
	// ExpectedTotal is the number of sections the client declared.
	ExpectedTotal int `validate:"gte=1"`
}

// Validate ...
func (s UploadSession) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid upload session %q: %w", s.OriginalFileName, err)
	}

	// Joining the fields can form a section token no single field holds.
	if parsed, err := Parse(s.ChunkName(1)); err != nil || parsed.Prefix != s.Prefix() {
		return fmt.Errorf("invalid upload session %q: prefix %q does not round-trip through its chunk names", s.OriginalFileName, s.Prefix())
	}
	return nil
}

// Prefix returns the session prefix: the original file name followed by the configured
// qualifiers, joined with a dash.
func (s UploadSession) Prefix() string {
	parts := []string{s.OriginalFileName}
	if s.SessionQualifier != "" {
		parts = append(parts, s.SessionQualifier)
	}
	if s.ClientQualifier != "" {
		parts = append(parts, s.ClientQualifier)
	}
	return strings.Join(parts, qualifierJoin)
}

// ChunkName returns the stored name of the section with the given 1-based index.
func (s UploadSession) ChunkName(index int) string {
	return s.Prefix() + sectionToken + strconv.Itoa(index) + "." + ChunkExtension
}

// ArtifactName returns the name of the merged file.
func (s UploadSession) ArtifactName() string {
	return s.Prefix() + "." + ArtifactExtension
}

// ClientFingerprint hashes the client address and user agent into a client qualifier.
// An empty user agent is replaced by a fixed placeholder so the hash stays stable.
func ClientFingerprint(ip, userAgent string) string {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	sum := md5.Sum([]byte(ip + userAgent))
	return hex.EncodeToString(sum[:])
}
