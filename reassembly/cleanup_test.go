package reassembly

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupAgent_DeletesOnlySessionSections(t *testing.T) {
	store := newTestStore(t)
	s := session("video.mp4", 3)
	deletedNames := []string{
		"video.mp4--section-1.part",
		"video.mp4--section-01.part",
		"video.mp4--section-2.part",
		"video.mp4--section-3.part",
	}
	keptNames := []string{
		"video.mp4.combined",
		"video.mp4-sess--section-1.part",
		"video.mp4.bak",
		"other.mp4--section-1.part",
	}
	for _, name := range append(append([]string{}, deletedNames...), keptNames...) {
		writeEntry(t, store, name, "x")
	}

	deleted, err := NewCleanupAgent(store, log.NewLogger()).Cleanup(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, len(deletedNames), deleted)
	for _, name := range deletedNames {
		assert.False(t, entryExists(t, store, name), name)
	}
	for _, name := range keptNames {
		assert.True(t, entryExists(t, store, name), name)
	}
}

func TestCleanupAgent_NothingToDelete(t *testing.T) {
	deleted, err := NewCleanupAgent(newTestStore(t), log.NewLogger()).Cleanup(context.Background(), session("video.mp4", 3))

	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestCleanupAgent_SkipsUndeletableSections(t *testing.T) {
	local := newTestStore(t)
	s := session("video.mp4", 3)
	for i := 1; i <= 3; i++ {
		writeEntry(t, local, s.ChunkName(i), "x")
	}
	store := &faultyStore{Store: local, deleteErr: map[string]error{s.ChunkName(2): errors.New("permission denied")}}

	deleted, err := NewCleanupAgent(store, log.NewLogger()).Cleanup(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.True(t, entryExists(t, local, s.ChunkName(2)))
	assert.False(t, entryExists(t, local, s.ChunkName(1)))
	assert.False(t, entryExists(t, local, s.ChunkName(3)))
}

func TestCleanupAgent_ListFailure(t *testing.T) {
	store := &faultyStore{Store: newTestStore(t), listErr: assert.AnError}

	deleted, err := NewCleanupAgent(store, log.NewLogger()).Cleanup(context.Background(), session("video.mp4", 3))

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, deleted)
}
