package reassembly

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"time"

	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/fingerprint"
	"github.com/bitrise-io/go-chunkmerge/lock"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

const (
	defaultMergeBufferSize = 1024 * 1024
	sniffLimit             = 3072
)

// MergedArtifact describes the file produced by a merge.
type MergedArtifact struct {
	Name string
	// OriginalFileName is the client's name for the file, without qualifiers.
	OriginalFileName string
	Path             string
	Size             int64
	MimeType         string
	SHA256           string
	Sections         int
	// Reused is set when an up to date artifact already existed and nothing was written.
	Reused bool
}

// MergeEngine concatenates the sections of a complete session into its artifact.
type MergeEngine struct {
	store      chunkstore.Store
	detector   *Detector
	locker     lock.Locker
	bufferSize int
	logger     log.Logger
}

func NewMergeEngine(store chunkstore.Store, detector *Detector, locker lock.Locker, bufferSize int, logger log.Logger) *MergeEngine {
	if bufferSize <= 0 {
		bufferSize = defaultMergeBufferSize
	}
	if locker == nil {
		locker = lock.NopLocker{}
	}
	return &MergeEngine{
		store:      store,
		detector:   detector,
		locker:     locker,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Merge writes {prefix}.combined from the sections of s in ascending index order. It
// holds the session lock while it runs, so concurrent merges of one session produce the
// artifact once. Sections are never deleted here.
func (m *MergeEngine) Merge(ctx context.Context, s fingerprint.UploadSession) (MergedArtifact, error) {
	prefix := s.Prefix()
	if err := s.Validate(); err != nil {
		return MergedArtifact{}, &MergeFailedError{Session: prefix, Err: err}
	}

	unlock, err := m.locker.Lock(ctx, lock.Key(prefix))
	if err != nil {
		return MergedArtifact{}, &MergeFailedError{Session: prefix, Err: err}
	}
	defer unlock()

	progress, err := m.detector.Progress(ctx, s)
	if err != nil {
		return MergedArtifact{}, &MergeFailedError{Session: prefix, Err: err}
	}
	if !progress.Complete {
		return MergedArtifact{}, &MergeFailedError{
			Session: prefix,
			Err:     fmt.Errorf("%w: %d of %d sections received", ErrSessionIncomplete, progress.Received, progress.Expected),
		}
	}

	ordered := orderSections(s, progress.Sections)
	if extra := lo.Filter(ordered, func(section Section, _ int) bool { return section.Index > s.ExpectedTotal }); len(extra) > 0 {
		m.logger.Warnf("Ignoring %d section(s) of %s beyond the expected total of %d", len(extra), prefix, s.ExpectedTotal)
		ordered = ordered[:len(ordered)-len(extra)]
	}
	if missing := missingIndices(s.ExpectedTotal, ordered); len(missing) > 0 {
		return MergedArtifact{}, &MergeFailedError{
			Session: prefix,
			Err:     fmt.Errorf("%w: sections %v missing", ErrSessionIncomplete, missing),
		}
	}
	if dropped := len(progress.Sections) - len(lo.UniqBy(progress.Sections, func(section Section) int { return section.Index })); dropped > 0 {
		m.logger.Warnf("Ignoring %d duplicated section(s) of %s", dropped, prefix)
	}

	if artifact, ok := m.reusableArtifact(ctx, s, ordered); ok {
		m.logger.Debugf("Artifact %s is up to date, skipping merge", artifact.Name)
		return artifact, nil
	}

	m.logger.TDebugf("Merging %d sections of %s", len(ordered), prefix)
	start := time.Now()

	stream := &sectionStream{ctx: ctx, store: m.store, session: prefix, sections: ordered}
	defer stream.Close() //nolint:errcheck

	digest := sha256.New()
	head := &headBuffer{limit: sniffLimit}
	body := io.TeeReader(bufio.NewReaderSize(stream, m.bufferSize), io.MultiWriter(digest, head))

	if err := m.store.Write(ctx, s.ArtifactName(), body); err != nil {
		var mergeErr *MergeFailedError
		if errors.As(err, &mergeErr) {
			return MergedArtifact{}, mergeErr
		}
		return MergedArtifact{}, &MergeFailedError{Session: prefix, Err: err}
	}

	artifact, err := m.describe(ctx, s, ordered, head.Bytes(), digest)
	if err != nil {
		return MergedArtifact{}, err
	}

	m.logger.TDebugf("Merged %s in %s", artifact.Name, time.Since(start).Round(time.Millisecond))
	m.logger.Printf("Artifact size: %s", units.HumanSizeWithPrecision(float64(artifact.Size), 3))
	return artifact, nil
}

func (m *MergeEngine) describe(ctx context.Context, s fingerprint.UploadSession, sections []Section, head []byte, digest hash.Hash) (MergedArtifact, error) {
	name := s.ArtifactName()

	entry, err := m.store.Stat(ctx, name)
	if err != nil {
		return MergedArtifact{}, &MergeFailedError{Session: s.Prefix(), Err: fmt.Errorf("stat merged artifact: %w", err)}
	}
	if want := totalSize(sections); entry.Size != want {
		return MergedArtifact{}, &MergeFailedError{
			Session: s.Prefix(),
			Err:     fmt.Errorf("merged artifact has %d bytes, sections hold %d", entry.Size, want),
		}
	}

	return MergedArtifact{
		Name:             name,
		OriginalFileName: s.OriginalFileName,
		Path:             m.store.Path(name),
		Size:             entry.Size,
		MimeType:         mimetype.Detect(head).String(),
		SHA256:           hex.EncodeToString(digest.Sum(nil)),
		Sections:         len(sections),
	}, nil
}

// reusableArtifact reports an existing artifact that is not older than any section and
// holds exactly their bytes.
func (m *MergeEngine) reusableArtifact(ctx context.Context, s fingerprint.UploadSession, sections []Section) (MergedArtifact, bool) {
	name := s.ArtifactName()

	entry, err := m.store.Stat(ctx, name)
	if err != nil {
		if !chunkstore.IsNotFound(err) {
			m.logger.Debugf("Failed to check existing artifact %s: %s", name, err)
		}
		return MergedArtifact{}, false
	}

	if entry.Size != totalSize(sections) {
		return MergedArtifact{}, false
	}
	for _, section := range sections {
		if entry.ModTime.Before(section.ModTime) {
			return MergedArtifact{}, false
		}
	}

	rc, err := m.store.Read(ctx, name)
	if err != nil {
		m.logger.Debugf("Failed to read existing artifact %s: %s", name, err)
		return MergedArtifact{}, false
	}
	defer rc.Close() //nolint:errcheck

	digest := sha256.New()
	head := &headBuffer{limit: sniffLimit}
	if _, err := io.Copy(io.MultiWriter(digest, head), rc); err != nil {
		m.logger.Debugf("Failed to read existing artifact %s: %s", name, err)
		return MergedArtifact{}, false
	}

	return MergedArtifact{
		Name:             name,
		OriginalFileName: s.OriginalFileName,
		Path:             m.store.Path(name),
		Size:             entry.Size,
		MimeType:         mimetype.Detect(head.Bytes()).String(),
		SHA256:           hex.EncodeToString(digest.Sum(nil)),
		Sections:         len(sections),
		Reused:           true,
	}, true
}

// orderSections sorts numerically by index and keeps one section per index: the most
// recently written, then the one stored under the canonical name, then the lexically
// greatest name.
func orderSections(s fingerprint.UploadSession, sections []Section) []Section {
	byIndex := lo.GroupBy(sections, func(section Section) int {
		return section.Index
	})

	ordered := make([]Section, 0, len(byIndex))
	for index, candidates := range byIndex {
		canonical := s.ChunkName(index)
		ordered = append(ordered, lo.MaxBy(candidates, func(a, b Section) bool {
			if !a.ModTime.Equal(b.ModTime) {
				return a.ModTime.After(b.ModTime)
			}
			if (a.Name == canonical) != (b.Name == canonical) {
				return a.Name == canonical
			}
			return a.Name > b.Name
		}))
	}

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})
	return ordered
}

func totalSize(sections []Section) int64 {
	return lo.SumBy(sections, func(section Section) int64 {
		return section.Size
	})
}

// sectionStream reads the given sections back to back. Any failure to read a section
// surfaces as a *MergeFailedError from Read.
type sectionStream struct {
	ctx      context.Context
	store    chunkstore.Store
	session  string
	sections []Section

	next    int
	current io.ReadCloser
	section Section
	read    int64
}

func (s *sectionStream) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			if s.next >= len(s.sections) {
				return 0, io.EOF
			}
			section := s.sections[s.next]
			s.next++

			rc, err := s.store.Read(s.ctx, section.Name)
			if err != nil {
				return 0, &MergeFailedError{Session: s.session, Index: section.Index, Err: err}
			}
			s.current, s.section, s.read = rc, section, 0
		}

		n, err := s.current.Read(p)
		s.read += int64(n)

		if errors.Is(err, io.EOF) {
			closeErr := s.current.Close()
			s.current = nil
			if s.read != s.section.Size {
				return n, &MergeFailedError{
					Session: s.session,
					Index:   s.section.Index,
					Err:     fmt.Errorf("section %s changed during merge: listed %d bytes, read %d", s.section.Name, s.section.Size, s.read),
				}
			}
			if closeErr != nil {
				return n, &MergeFailedError{Session: s.session, Index: s.section.Index, Err: closeErr}
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, &MergeFailedError{Session: s.session, Index: s.section.Index, Err: err}
		}
		return n, nil
	}
}

func (s *sectionStream) Close() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}

// headBuffer keeps the first limit bytes written to it.
type headBuffer struct {
	limit int
	buf   []byte
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		b.buf = append(b.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

func (b *headBuffer) Bytes() []byte {
	return b.buf
}
