package testing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChecker(t *testing.T) {
	dir := t.TempDir()
	pth := filepath.Join(dir, "video.mp4.combined")
	require.NoError(t, os.WriteFile(pth, []byte("merged"), 0o600))

	assert.NoError(t, NewFileChecker(pth).IsFile().ModeEquals(0o600).SizeEquals(6).Content("merged").Check())
	assert.NoError(t, NewFileChecker(dir).IsDir().NoTempFiles().Check())
	assert.NoError(t, NewFileChecker(filepath.Join(dir, "missing")).Absent().Check())
}

func TestFileChecker_ReportsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	pth := filepath.Join(dir, "a.part")
	require.NoError(t, os.WriteFile(pth, []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chunkmerge-1.tmp"), nil, 0o600))

	err := NewFileChecker(pth).IsDir().SizeEquals(4).Content("abc").Check()
	require.Error(t, err)
	var multi MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi, 2)
	assert.Len(t, strings.Split(err.Error(), "\n"), 2)

	assert.Error(t, NewFileChecker(dir).NoTempFiles().Check())
	assert.Error(t, NewFileChecker(pth).Absent().Check())
}
