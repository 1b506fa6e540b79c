package reassembly

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/fingerprint"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"
)

// CompletionPolicy decides when a session counts as complete.
type CompletionPolicy string

const (
	// CompletionByCount treats a session as complete once the number of stored sections
	// equals the expected total. A duplicated index can therefore stand in for a missing one.
	CompletionByCount CompletionPolicy = "count"
	// CompletionByCoverage requires every index from 1 to the expected total.
	CompletionByCoverage CompletionPolicy = "coverage"
)

// Section is one stored chunk of a session.
type Section struct {
	Name    string
	Index   int
	Size    int64
	ModTime time.Time
}

// Progress is a point in time view of a session's stored sections.
type Progress struct {
	Sections   []Section
	Received   int
	Expected   int
	Percentage int
	Complete   bool
}

// Detector derives completion state from the store listing alone.
type Detector struct {
	store  chunkstore.Store
	policy CompletionPolicy
	logger log.Logger
}

func NewDetector(store chunkstore.Store, policy CompletionPolicy, logger log.Logger) *Detector {
	if policy == "" {
		policy = CompletionByCount
	}
	return &Detector{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// Sections lists the stored sections of s in listing order. Entries of other sessions
// sharing the prefix and names that do not parse are skipped.
func (d *Detector) Sections(ctx context.Context, s fingerprint.UploadSession) ([]Section, error) {
	prefix := s.Prefix()

	entries, err := d.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list sections of %s: %w", prefix, err)
	}

	return lo.FilterMap(entries, func(entry chunkstore.Entry, _ int) (Section, bool) {
		parsed, err := fingerprint.Parse(entry.Name)
		if err != nil {
			if !fingerprint.IsArtifactName(entry.Name) {
				d.logger.Debugf("Skipping %s: %s", entry.Name, err)
			}
			return Section{}, false
		}
		if parsed.Prefix != prefix {
			return Section{}, false
		}
		return Section{Name: entry.Name, Index: parsed.Index, Size: entry.Size, ModTime: entry.ModTime}, true
	}), nil
}

// Progress lists the sections of s once and evaluates them.
func (d *Detector) Progress(ctx context.Context, s fingerprint.UploadSession) (Progress, error) {
	sections, err := d.Sections(ctx, s)
	if err != nil {
		return Progress{}, err
	}
	return d.evaluate(s, sections), nil
}

func (d *Detector) CountReceived(ctx context.Context, s fingerprint.UploadSession) (int, error) {
	p, err := d.Progress(ctx, s)
	return p.Received, err
}

func (d *Detector) IsComplete(ctx context.Context, s fingerprint.UploadSession) (bool, error) {
	p, err := d.Progress(ctx, s)
	return p.Complete, err
}

func (d *Detector) PercentageDone(ctx context.Context, s fingerprint.UploadSession) (int, error) {
	p, err := d.Progress(ctx, s)
	return p.Percentage, err
}

// MissingIndices returns the indices in 1..ExpectedTotal with no stored section, ascending.
func (d *Detector) MissingIndices(ctx context.Context, s fingerprint.UploadSession) ([]int, error) {
	sections, err := d.Sections(ctx, s)
	if err != nil {
		return nil, err
	}
	return missingIndices(s.ExpectedTotal, sections), nil
}

func (d *Detector) evaluate(s fingerprint.UploadSession, sections []Section) Progress {
	received := len(sections)
	complete := received == s.ExpectedTotal

	if d.policy == CompletionByCoverage {
		received = s.ExpectedTotal - len(missingIndices(s.ExpectedTotal, sections))
		complete = received == s.ExpectedTotal
	}

	return Progress{
		Sections:   sections,
		Received:   received,
		Expected:   s.ExpectedTotal,
		Percentage: percentage(received, s.ExpectedTotal),
		Complete:   complete,
	}
}

func missingIndices(total int, sections []Section) []int {
	present := make(map[int]bool, len(sections))
	for _, section := range sections {
		present[section.Index] = true
	}

	var missing []int
	for i := 1; i <= total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// percentage rounds up and never exceeds 100.
func percentage(received, total int) int {
	if total <= 0 {
		return 0
	}
	p := (received*100 + total - 1) / total
	if p > 100 {
		return 100
	}
	return p
}
