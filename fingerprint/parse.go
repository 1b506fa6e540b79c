package fingerprint

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	chunkNamePattern = regexp.MustCompile(`^(.+)` + regexp.QuoteMeta(sectionToken) + `(\d+)\.` + ChunkExtension + `$`)
	sectionPattern   = regexp.MustCompile(regexp.QuoteMeta(sectionToken) + `\d+\.` + ChunkExtension)
)

// ChunkName is a parsed section file name.
type ChunkName struct {
	Prefix string
	Index  int
}

// Parse splits a stored section name (or a path ending in one) into session prefix and
// section index.
func Parse(name string) (ChunkName, error) {
	base := baseName(name)

	if len(sectionPattern.FindAllStringIndex(base, -1)) > 1 {
		return ChunkName{}, &SessionIdentityAmbiguityError{Name: name}
	}

	matches := chunkNamePattern.FindStringSubmatch(base)
	if matches == nil {
		return ChunkName{}, &MalformedChunkNameError{Name: name, Reason: "missing " + sectionToken + "<index>." + ChunkExtension + " suffix"}
	}

	index, err := strconv.Atoi(matches[2])
	if err != nil {
		return ChunkName{}, &MalformedChunkNameError{Name: name, Reason: "section index out of range"}
	}
	if index < 1 {
		return ChunkName{}, &MalformedChunkNameError{Name: name, Reason: "section index must be positive"}
	}

	return ChunkName{Prefix: matches[1], Index: index}, nil
}

// ExtractPrefix returns the session prefix of a stored section name.
func ExtractPrefix(name string) (string, error) {
	parsed, err := Parse(name)
	if err != nil {
		return "", err
	}
	return parsed.Prefix, nil
}

// ExtractIndex returns the section index of a stored section name.
func ExtractIndex(name string) (int, error) {
	parsed, err := Parse(name)
	if err != nil {
		return 0, err
	}
	return parsed.Index, nil
}

// IsChunkName reports whether name is a well formed section name.
func IsChunkName(name string) bool {
	_, err := Parse(name)
	return err == nil
}

// IsArtifactName reports whether name is the merged file of some session.
func IsArtifactName(name string) bool {
	return strings.HasSuffix(baseName(name), "."+ArtifactExtension)
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
