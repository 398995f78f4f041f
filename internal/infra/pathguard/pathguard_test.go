package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsFileInsideRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	guard, err := New(root, 0)
	require.NoError(t, err)

	res := guard.Validate(path)
	assert.True(t, res.OK)
	assert.Equal(t, int64(5), res.Size)
}

func TestValidate_RejectsDotDotEscape(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t"), 0o644))

	guard, err := New(root, 0)
	require.NoError(t, err)

	res := guard.Validate(filepath.Join(root, "..", "outside", "secret.txt"))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonOutsideRoot, res.Reason)
}

func TestValidate_RejectsSymlinkEscape(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))

	secret := filepath.Join(base, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t"), 0o644))

	link := filepath.Join(root, "innocent.txt")
	require.NoError(t, os.Symlink(secret, link))

	guard, err := New(root, 0)
	require.NoError(t, err)

	res := guard.Validate(link)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonOutsideRoot, res.Reason)
}

func TestValidate_RejectsTooLarge(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "big.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	guard, err := New(root, 512)
	require.NoError(t, err)

	res := guard.Validate(path)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTooLarge, res.Reason)
}

func TestValidate_RejectsMissingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	guard, err := New(root, 0)
	require.NoError(t, err)

	res := guard.Validate(filepath.Join(root, "nope.txt"))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotAccessible, res.Reason)
}

func TestValidate_SiblingPrefixDoesNotMatch(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "data")
	sibling := filepath.Join(base, "data-other")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(sibling, 0o755))

	path := filepath.Join(sibling, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	guard, err := New(root, 0)
	require.NoError(t, err)

	res := guard.Validate(path)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonOutsideRoot, res.Reason)
}
