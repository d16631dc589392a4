package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/errors"
)

func TestObjectKey_Shape(t *testing.T) {
	// Given: a fixed time and a CJK filename
	at := time.Unix(1700000000, 0)

	// When: building the key
	key := ObjectKeyAt("u1", "技术文档.pdf", at)

	// Then: the key is tenant-prefixed, timestamped, hashed, and keeps the extension
	assert.True(t, strings.HasPrefix(key, "user_u1/1700000000_"), key)
	assert.True(t, strings.HasSuffix(key, ".pdf"), key)

	parts := strings.Split(strings.TrimPrefix(key, "user_u1/"), "_")
	require.Len(t, parts, 2)
	assert.Len(t, strings.TrimSuffix(parts[1], ".pdf"), 8, "hash fragment is 8 hex chars")
}

func TestObjectKey_SameNameDifferentTimes(t *testing.T) {
	k1 := ObjectKeyAt("u1", "report.txt", time.Unix(1, 0))
	k2 := ObjectKeyAt("u1", "report.txt", time.Unix(2, 0))
	assert.NotEqual(t, k1, k2, "re-uploads must not collide")
}

func TestLocal_PutGetRoundTrip(t *testing.T) {
	// Given: a local store and an object
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := ObjectKey("u1", "doc.txt")
	payload := []byte("document body")

	// When: putting then getting
	require.NoError(t, l.Put(ctx, key, strings.NewReader(string(payload)), int64(len(payload)), "text/plain"))
	got, err := l.Get(ctx, key)
	require.NoError(t, err)

	// Then: the bytes round-trip
	assert.Equal(t, payload, got)
}

func TestLocal_ExistsAndDelete(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := "user_u1/1_abcd1234.txt"

	ok, err := l.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Put(ctx, key, strings.NewReader("x"), 1, ""))
	ok, err = l.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Delete(ctx, key))
	ok, err = l.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error
	assert.NoError(t, l.Delete(ctx, key))
}

func TestLocal_GetMissingIsNotFound(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = l.Get(context.Background(), "user_u1/missing.txt")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestLocal_SizeMismatchRejected(t *testing.T) {
	// Given: a declared size that does not match the body
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	// When: putting
	err = l.Put(context.Background(), "user_u1/a.txt", strings.NewReader("abc"), 5, "")

	// Then: the put fails and no object is left behind
	require.Error(t, err)
	ok, exErr := l.Exists(context.Background(), "user_u1/a.txt")
	require.NoError(t, exErr)
	assert.False(t, ok)
}

func TestLocal_RejectsTraversalKeys(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root)
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"../escape.txt", "user_u1/../../etc/passwd", "/abs/path"} {
		t.Run(key, func(t *testing.T) {
			err := l.Put(ctx, key, strings.NewReader("x"), 1, "")
			assert.Error(t, err)
		})
	}

	// Nothing escaped the root
	entries, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "escape.txt", e.Name())
	}
}

func TestLocal_PresignIsEmpty(t *testing.T) {
	// Given: the local backend

	// When: asking for a presigned URL
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	url, err := l.PresignPut(context.Background(), "user_u1/a.txt", "text/plain", time.Minute)

	// Then: there is none; uploads go through the gateway
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestLocal_TenantPrefixSeparatesUsers(t *testing.T) {
	// Given: two tenants with identically named documents
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Unix(42, 0)

	keyA := ObjectKeyAt("userA", "notes.md", at)
	keyB := ObjectKeyAt("userB", "notes.md", at)
	require.NotEqual(t, keyA, keyB)

	require.NoError(t, l.Put(ctx, keyA, strings.NewReader("A"), 1, ""))
	require.NoError(t, l.Put(ctx, keyB, strings.NewReader("B"), 1, ""))

	// Then: each tenant reads back only its own bytes
	a, err := l.Get(ctx, keyA)
	require.NoError(t, err)
	b, err := l.Get(ctx, keyB)
	require.NoError(t, err)
	assert.Equal(t, "A", string(a))
	assert.Equal(t, "B", string(b))
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
