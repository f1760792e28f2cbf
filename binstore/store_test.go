package binstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/testutils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	loc := "file:/home/user/sieve/main.sieve"

	_, err := st.Get(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Put(ctx, loc, []byte("SVBC-one")))
	data, err := st.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVBC-one"), data)

	require.NoError(t, st.Put(ctx, loc, []byte("SVBC-two")))
	data, err = st.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVBC-two"), data)

	_, err = st.Get(ctx, loc+".other")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Delete(ctx, loc))
	_, err = st.Get(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, st.Delete(ctx, loc))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFile(dir)
	require.NoError(t, err)
	exerciseStore(t, st)

	require.NoError(t, st.Put(context.Background(), "mem:x", []byte("data")))
	h := LocationHash("mem:x")
	_, err = os.Stat(filepath.Join(dir, h[:2], h+FileExt))
	assert.NoError(t, err)
}

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "binaries.db"))
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "mem:a", []byte("a")))
	require.NoError(t, st.Put(ctx, "mem:b", []byte("b")))
	n, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	purged, err := st.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}

func TestCacheStore(t *testing.T) {
	exerciseStore(t, NewCache(NewMemory(), 4, time.Minute))
}

func TestCacheHitsAndEviction(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	c := NewCache(backing, 2, time.Minute)

	for _, loc := range []string{"mem:a", "mem:b", "mem:c"} {
		require.NoError(t, backing.Put(ctx, loc, []byte(loc)))
	}

	hits := testutil.ToFloat64(metrics.BinaryCacheHits)
	misses := testutil.ToFloat64(metrics.BinaryCacheMisses)

	_, err := c.Get(ctx, "mem:a")
	require.NoError(t, err)
	_, err = c.Get(ctx, "mem:a")
	require.NoError(t, err)
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.BinaryCacheHits))
	assert.Equal(t, misses+1, testutil.ToFloat64(metrics.BinaryCacheMisses))

	_, err = c.Get(ctx, "mem:b")
	require.NoError(t, err)
	_, err = c.Get(ctx, "mem:c")
	require.NoError(t, err)
	n, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Writes go through and replace the cached copy.
	require.NoError(t, c.Put(ctx, "mem:c", []byte("new")))
	data, err := backing.Get(ctx, "mem:c")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
	data, err = c.Get(ctx, "mem:c")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	c := NewCache(backing, 4, time.Millisecond)

	require.NoError(t, c.Put(ctx, "mem:a", []byte("one")))
	require.NoError(t, backing.Put(ctx, "mem:a", []byte("two")))
	time.Sleep(5 * time.Millisecond)

	data, err := c.Get(ctx, "mem:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestLocationHashAndOwner(t *testing.T) {
	assert.Len(t, LocationHash("file:/a"), 32)
	assert.NotEqual(t, LocationHash("file:/a"), LocationHash("file:/b"))
	assert.Equal(t, "alice@example.com", Owner("db:alice@example.com/main"))
	assert.Equal(t, "", Owner("file:/home/alice/main.sieve"))
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	ct, err := encrypt(key, []byte("SVBC payload"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "SVBC")

	pt, err := decrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("SVBC payload"), pt)

	_, err = decrypt(bytes.Repeat([]byte{8}, 32), ct)
	assert.Error(t, err)
	_, err = decrypt(key, []byte("short"))
	assert.Error(t, err)
}

func TestEnableEncryptionKeyLength(t *testing.T) {
	s := &S3{}
	assert.Error(t, s.EnableEncryption("zz"))
	assert.Error(t, s.EnableEncryption(strings.Repeat("ab", 16)))
	assert.NoError(t, s.EnableEncryption(strings.Repeat("ab", 32)))
}

func TestOpen(t *testing.T) {
	st, err := Open(&config.BinaryStoreConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Backend())

	st, err = Open(&config.BinaryStoreConfig{Type: "file", Path: t.TempDir(), CacheSize: 8}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, st)
	assert.Equal(t, "file", st.Backend())

	_, err = Open(&config.BinaryStoreConfig{Type: "postgres"}, nil, nil)
	assert.Error(t, err)

	_, err = Open(&config.BinaryStoreConfig{Type: "tape"}, nil, nil)
	assert.Error(t, err)
}

// The S3 and Postgres backends need real services and are only tested when
// they are configured through the environment.

func TestS3Store(t *testing.T) {
	endpoint := os.Getenv("SIEVE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SIEVE_TEST_S3_ENDPOINT not set")
	}
	st, err := NewS3(endpoint, os.Getenv("SIEVE_TEST_S3_ACCESS_KEY"), os.Getenv("SIEVE_TEST_S3_SECRET_KEY"),
		os.Getenv("SIEVE_TEST_S3_BUCKET"), "test-binaries", os.Getenv("SIEVE_TEST_S3_TLS") != "", false)
	require.NoError(t, err)
	require.NoError(t, st.EnableEncryption(strings.Repeat("0f", 32)))
	exerciseStore(t, st)
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, NewPostgres(testutils.SetupTestDatabase(t)))
}
