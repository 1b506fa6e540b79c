package reassembly

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/fingerprint"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *chunkstore.LocalStore {
	t.Helper()
	store, err := chunkstore.NewLocalStore(t.TempDir(), "chunks", log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.EnsureDirectory(context.Background()))
	return store
}

func session(name string, total int) fingerprint.UploadSession {
	return fingerprint.UploadSession{OriginalFileName: name, ExpectedTotal: total}
}

func writeEntry(t *testing.T, store chunkstore.Store, name, content string) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), name, strings.NewReader(content)))
}

// writeEntryAt writes name and sets its modification time, local stores only.
func writeEntryAt(t *testing.T, store *chunkstore.LocalStore, name, content string, modTime time.Time) {
	t.Helper()
	writeEntry(t, store, name, content)
	require.NoError(t, os.Chtimes(store.Path(name), modTime, modTime))
}

func readEntry(t *testing.T, store chunkstore.Store, name string) string {
	t.Helper()
	rc, err := store.Read(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(content)
}

func entryExists(t *testing.T, store chunkstore.Store, name string) bool {
	t.Helper()
	exists, err := store.Exists(context.Background(), name)
	require.NoError(t, err)
	return exists
}

// faultyStore wraps a store and fails selected operations.
type faultyStore struct {
	chunkstore.Store
	readErr   map[string]error
	deleteErr map[string]error
	listErr   error
	// beforeRead runs before each Read, used to change the store mid merge.
	beforeRead func(name string)
}

func (s *faultyStore) List(ctx context.Context, prefix string) ([]chunkstore.Entry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.List(ctx, prefix)
}

func (s *faultyStore) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	if s.beforeRead != nil {
		s.beforeRead(name)
	}
	if err := s.readErr[name]; err != nil {
		return nil, err
	}
	return s.Store.Read(ctx, name)
}

func (s *faultyStore) Delete(ctx context.Context, name string) error {
	if err := s.deleteErr[name]; err != nil {
		return err
	}
	return s.Store.Delete(ctx, name)
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
	waited bool
}

func (t *fakeTracker) Enqueue(event string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	t.props = append(t.props, properties...)
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

type fakeEnvRepo struct {
	values map[string]string
}

func newFakeEnvRepo(values map[string]string) *fakeEnvRepo {
	if values == nil {
		values = map[string]string{}
	}
	return &fakeEnvRepo{values: values}
}

func (r *fakeEnvRepo) List() []string {
	var environ []string
	for key, value := range r.values {
		environ = append(environ, key+"="+value)
	}
	return environ
}

func (r *fakeEnvRepo) Get(key string) string {
	return r.values[key]
}

func (r *fakeEnvRepo) Set(key, value string) error {
	r.values[key] = value
	return nil
}

func (r *fakeEnvRepo) Unset(key string) error {
	delete(r.values, key)
	return nil
}
