package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieve/binstore"
	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/sieve/script"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	root := t.TempDir()
	cfg.Scripts.Dir = filepath.Join(root, "users", "%u")
	cfg.Scripts.GlobalDir = filepath.Join(root, "global")
	cfg.BinaryStore.Type = "file"
	cfg.BinaryStore.Path = filepath.Join(root, "bin")
	return &cfg
}

func TestOpenAndDeliverComponents(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := Open(ctx, cfg, Options{WithStore: true, WithSubmitter: true})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Database)
	assert.Nil(t, s.Submitter, "submission is not configured")
	_, cached := s.Store.(*binstore.Cache)
	assert.True(t, cached)
	assert.Equal(t, "file", s.Store.Backend())

	personal := s.Scripts("alice@example.com")
	fs, ok := personal.(*script.FileStorage)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.Scripts.Dir), "alice@example.com"), fs.Dir)
	assert.Equal(t, int64(1024*1024), fs.MaxSize)

	require.NoError(t, personal.Save(ctx, "main", []byte(`require "fileinto"; fileinto "Work";`)))
	require.NoError(t, personal.Activate(ctx, "main"))
	active, err := personal.Active(ctx)
	require.NoError(t, err)

	eng := s.Engine.WithPersonal(personal)
	bin, err := eng.Open(ctx, active, nil)
	require.NoError(t, err)
	assert.Equal(t, "main", bin.Script())

	// The second open is served from the store.
	_, err = s.Store.Get(ctx, active.Location)
	require.NoError(t, err)
	_, err = eng.Open(ctx, active, nil)
	require.NoError(t, err)
}

func TestMailStoragePerUser(t *testing.T) {
	s, err := Open(context.Background(), testConfig(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Same(t, s.MailStorage("alice"), s.MailStorage("alice"))
	assert.NotSame(t, s.MailStorage("alice"), s.MailStorage("bob"))
	assert.Nil(t, s.Store)
}

func TestNewEngineRejectsUnknownExtension(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sieve.Extensions = []string{"fileinto", "vnd.frobnicate"}
	_, err := NewEngine(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vnd.frobnicate")
}

func TestNewEngineLimitsExtensions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sieve.Extensions = []string{"fileinto"}
	eng, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	assert.Contains(t, eng.Capabilities(), "fileinto")
	assert.NotContains(t, eng.Capabilities(), "vacation")
	assert.NotContains(t, eng.Capabilities(), "reject")
}

func TestTraceWriterSplitsLines(t *testing.T) {
	w := &traceWriter{}
	n, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "sec", w.buf.String())

	_, err = w.Write([]byte("ond\n"))
	require.NoError(t, err)
	assert.Zero(t, w.buf.Len())
}
