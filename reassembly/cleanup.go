package reassembly

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkmerge/chunkstore"
	"github.com/bitrise-io/go-chunkmerge/fingerprint"
	"github.com/bitrise-io/go-utils/v2/log"
)

// CleanupAgent removes the sections of a session once its artifact was persisted.
type CleanupAgent struct {
	store  chunkstore.Store
	logger log.Logger
}

func NewCleanupAgent(store chunkstore.Store, logger log.Logger) *CleanupAgent {
	return &CleanupAgent{
		store:  store,
		logger: logger,
	}
}

// Cleanup deletes every stored section of s, duplicates included, and returns how many
// were deleted. The merged artifact and other sessions are left alone. A section that
// can not be deleted is logged and skipped; only a failed listing is returned.
func (c *CleanupAgent) Cleanup(ctx context.Context, s fingerprint.UploadSession) (int, error) {
	prefix := s.Prefix()

	entries, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list sections of %s: %w", prefix, err)
	}

	deleted := 0
	for _, entry := range entries {
		parsed, err := fingerprint.Parse(entry.Name)
		if err != nil || parsed.Prefix != prefix {
			continue
		}

		if err := c.store.Delete(ctx, entry.Name); err != nil {
			if chunkstore.IsNotFound(err) {
				continue
			}
			c.logger.Warnf("Failed to delete section %s: %s", entry.Name, err)
			continue
		}
		deleted++
	}

	c.logger.Debugf("Deleted %d section(s) of %s", deleted, prefix)
	return deleted, nil
}
