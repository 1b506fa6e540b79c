// Package reassembly turns independently uploaded sections of a file back into the file.
//
// Sections may arrive in any order, concurrently, and more than once. The store listing
// is the only shared state: every request stores its section, re-evaluates completion from
// the listing and merges when the session is complete.
package reassembly

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/fingerprint"
	"github.com/bitrise-io/go-chunkmerge/lock"
	"github.com/bitrise-io/go-chunkmerge/payload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// PayloadOpener resolves a payload reference into its content.
type PayloadOpener interface {
	Open(ctx context.Context, src string) (io.ReadCloser, error)
}

// Status is the state of a session after a section was stored or checked.
type Status struct {
	Received   int
	Expected   int
	Percentage int
	// Complete is set once the artifact exists.
	Complete bool
	Artifact *MergedArtifact
}

// Orchestrator ...
type Orchestrator struct {
	store    chunkstore.Store
	detector *Detector
	merger   *MergeEngine
	cleaner  *CleanupAgent
	payloads PayloadOpener
	tracker  sessionTracker
	logger   log.Logger
}

// Option ...
type Option func(*Orchestrator)

// WithTracker enqueues analytics events for stored sections, merges and cleanups.
func WithTracker(tracker analytics.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = sessionTracker{tracker: tracker}
	}
}

// WithPayloadOpener sets what ReceiveSource reads payloads with.
func WithPayloadOpener(opener PayloadOpener) Option {
	return func(o *Orchestrator) {
		o.payloads = opener
	}
}

// NewOrchestrator ...
func NewOrchestrator(cfg Config, store chunkstore.Store, locker lock.Locker, logger log.Logger, opts ...Option) *Orchestrator {
	detector := NewDetector(store, cfg.CompletionPolicy, logger)
	o := &Orchestrator{
		store:    store,
		detector: detector,
		merger:   NewMergeEngine(store, detector, locker, cfg.MergeBufferSize, logger),
		cleaner:  NewCleanupAgent(store, logger),
		payloads: payload.NewProvider(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New builds the store and the locker cfg selects and returns an orchestrator using them.
func New(ctx context.Context, cfg Config, logger log.Logger, opts ...Option) (*Orchestrator, error) {
	store, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create chunk store: %w", err)
	}

	locker, err := NewLocker(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create session locker: %w", err)
	}

	return NewOrchestrator(cfg, store, locker, logger, opts...), nil
}

// Receive stores payload as section index of s and merges the session if that completed
// it. A retried index replaces the earlier upload. When the merge fails the returned
// status is not complete and the error is a *MergeFailedError; the next Receive or Check
// tries again.
func (o *Orchestrator) Receive(ctx context.Context, s fingerprint.UploadSession, index int, payload io.Reader) (Status, error) {
	if err := s.Validate(); err != nil {
		return Status{}, err
	}
	if index < 1 {
		return Status{}, fmt.Errorf("%w: got %d", ErrInvalidSectionIndex, index)
	}
	if index > s.ExpectedTotal {
		o.logger.Warnf("Section %d of %s is beyond the expected total of %d", index, s.Prefix(), s.ExpectedTotal)
	}

	if err := o.store.EnsureDirectory(ctx); err != nil {
		return Status{}, fmt.Errorf("prepare chunk directory: %w", err)
	}

	name := s.ChunkName(index)
	if err := o.store.Write(ctx, name, payload); err != nil {
		return Status{}, fmt.Errorf("store section %d of %s: %w", index, s.Prefix(), err)
	}
	o.logger.Debugf("Stored section %d/%d as %s", index, s.ExpectedTotal, name)
	o.tracker.logSectionStored(s.Prefix(), index, s.ExpectedTotal)

	return o.Check(ctx, s)
}

// ReceiveSource is Receive with the payload read from src, see payload.Provider.
func (o *Orchestrator) ReceiveSource(ctx context.Context, s fingerprint.UploadSession, index int, src string) (Status, error) {
	rc, err := o.payloads.Open(ctx, src)
	if err != nil {
		return Status{}, fmt.Errorf("open payload of section %d: %w", index, err)
	}
	defer rc.Close() //nolint:errcheck

	return o.Receive(ctx, s, index, rc)
}

// Check re-evaluates completion of s and merges it when complete.
func (o *Orchestrator) Check(ctx context.Context, s fingerprint.UploadSession) (Status, error) {
	if err := s.Validate(); err != nil {
		return Status{}, err
	}

	progress, err := o.detector.Progress(ctx, s)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Received:   progress.Received,
		Expected:   progress.Expected,
		Percentage: progress.Percentage,
	}
	if !progress.Complete {
		return status, nil
	}

	start := time.Now()
	artifact, err := o.merger.Merge(ctx, s)
	if err != nil {
		o.logger.Warnf("Merge of %s failed: %s", s.Prefix(), err)
		o.tracker.logMergeFailed(s.Prefix(), err)
		return status, err
	}
	o.tracker.logSessionMerged(s.Prefix(), time.Since(start), artifact)
	o.logger.Donef("Upload %s complete: %s", s.OriginalFileName, artifact.Path)

	status.Complete = true
	status.Artifact = &artifact
	return status, nil
}

// Cleanup deletes the sections of s. Call it once the artifact was persisted elsewhere.
func (o *Orchestrator) Cleanup(ctx context.Context, s fingerprint.UploadSession) (int, error) {
	deleted, err := o.cleaner.Cleanup(ctx, s)
	if err != nil {
		return deleted, err
	}
	o.tracker.logSessionCleaned(s.Prefix(), deleted)
	return deleted, nil
}

// Wait blocks until queued analytics events are sent.
func (o *Orchestrator) Wait() {
	o.tracker.wait()
}
