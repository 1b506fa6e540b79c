package reassembly

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates a tracker that adds the given properties to every event.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	InstanceIDEnvKey = "CHUNK_INSTANCE_ID"
	InstanceID       = "instance_id"
)

// NewInstanceTracker returns a tracker tagging every event with the instance id read
// from CHUNK_INSTANCE_ID, so events of several servers sharing a store can be told apart.
func NewInstanceTracker(repository env.Repository, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	instanceID := repository.Get(InstanceIDEnvKey)
	if instanceID == "" {
		return nil, fmt.Errorf("no instance ID found in %s", InstanceIDEnvKey)
	}
	return trackerFactory(analytics.Properties{InstanceID: instanceID}), nil
}

func NewDefaultInstanceTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewInstanceTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}

type sessionTracker struct {
	tracker analytics.Tracker
}

func (t sessionTracker) enqueue(event string, properties analytics.Properties) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue(event, properties)
}

func (t sessionTracker) logSectionStored(prefix string, index, expected int) {
	t.enqueue("chunk_section_stored", analytics.Properties{
		"session":        prefix,
		"section_index":  index,
		"expected_total": expected,
	})
}

func (t sessionTracker) logSessionMerged(prefix string, mergeTime time.Duration, artifact MergedArtifact) {
	t.enqueue("chunk_session_merged", analytics.Properties{
		"session":          prefix,
		"merge_time_s":     mergeTime.Truncate(time.Millisecond).Seconds(),
		"merge_size_bytes": artifact.Size,
		"section_count":    artifact.Sections,
		"mime_type":        artifact.MimeType,
		"reused":           artifact.Reused,
	})
}

func (t sessionTracker) logMergeFailed(prefix string, err error) {
	t.enqueue("chunk_session_merge_failed", analytics.Properties{
		"session": prefix,
		"error":   err.Error(),
	})
}

func (t sessionTracker) logSessionCleaned(prefix string, deleted int) {
	t.enqueue("chunk_session_cleaned", analytics.Properties{
		"session":       prefix,
		"deleted_count": deleted,
	})
}

func (t sessionTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
