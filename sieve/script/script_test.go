package script

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/db"
	"github.com/migadu/sieve/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"main", true},
		{"vacation rules", true},
		{"über-filter", true},
		{"", false},
		{"a/b", false},
		{"tab\there", false},
		{"del\x7f", false},
		{"c1\u0085", false},
		{"line\u2028sep", false},
		{"para\u2029sep", false},
		{"yÿ", false},
		{strings.Repeat("a", MaxNameLen), true},
		{strings.Repeat("a", MaxNameLen+1), false},
		{string([]byte{0xc3}), false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid {
			assert.NoError(t, err, "name %q", tt.name)
		} else {
			assert.ErrorIs(t, err, consts.ErrInvalidScriptName, "name %q", tt.name)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("keep;"))
	b := Fingerprint([]byte("keep;"))
	c := Fingerprint([]byte("discard;"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewFileStorage(dir, ".dovecot.sieve")

	_, err := s.Active(ctx)
	assert.ErrorIs(t, err, consts.ErrScriptNotFound)

	require.NoError(t, s.Save(ctx, "main", []byte("keep;")))
	require.NoError(t, s.Save(ctx, "spam", []byte("discard;")))
	assert.ErrorIs(t, s.Save(ctx, "bad/name", nil), consts.ErrInvalidScriptName)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "spam"}, names)

	require.NoError(t, s.Activate(ctx, "main"))
	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", active.Name)
	assert.Equal(t, "keep;", string(active.Source))
	assert.Equal(t, "file:"+filepath.Join(dir, "main.sieve"), active.Location)

	resolved, err := s.Resolve(ctx, active.Location)
	require.NoError(t, err)
	assert.Equal(t, active.Source, resolved.Source)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, consts.ErrScriptNotFound)
}

func TestFileStorageIgnoresActiveLink(t *testing.T) {
	ctx := context.Background()
	s := NewFileStorage(t.TempDir(), ".dovecot.sieve")

	require.NoError(t, s.Save(ctx, "main", []byte("keep;")))
	require.NoError(t, s.Activate(ctx, "main"))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, names)

	assert.ErrorIs(t, s.Activate(ctx, ".dovecot"), consts.ErrInvalidScriptName)
	assert.ErrorIs(t, s.Save(ctx, ".dovecot", []byte("discard;")), consts.ErrInvalidScriptName)
	_, err = s.Get(ctx, ".dovecot")
	assert.ErrorIs(t, err, consts.ErrInvalidScriptName)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", active.Name)
}

func TestFileStorageActiveNameFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewFileStorage(dir, "active")
	require.NoError(t, s.Save(ctx, "rules", []byte("stop;")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active"), []byte("rules\n"), 0o600))

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rules", active.Name)
}

func TestFileStorageMaxSize(t *testing.T) {
	ctx := context.Background()
	s := NewFileStorage(t.TempDir(), "")
	s.MaxSize = 4
	assert.ErrorIs(t, s.Save(ctx, "big", []byte("discard;")), consts.ErrScriptTooLarge)
}

type memScriptDB struct {
	scripts map[string]*db.SieveScript
	active  string
}

func (m *memScriptDB) key(account, name string) string { return account + "/" + name }

func (m *memScriptDB) GetScriptByName(ctx context.Context, account, name string) (*db.SieveScript, error) {
	s, ok := m.scripts[m.key(account, name)]
	if !ok {
		return nil, consts.ErrDBNotFound
	}
	return s, nil
}

func (m *memScriptDB) GetActiveScript(ctx context.Context, account string) (*db.SieveScript, error) {
	if m.active == "" {
		return nil, consts.ErrDBNotFound
	}
	return m.GetScriptByName(ctx, account, m.active)
}

func (m *memScriptDB) ListScripts(ctx context.Context, account string) ([]*db.SieveScript, error) {
	var out []*db.SieveScript
	for _, s := range m.scripts {
		if s.Account == account {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memScriptDB) UpsertScript(ctx context.Context, account, name, src string) (*db.SieveScript, error) {
	s := &db.SieveScript{Account: account, Name: name, Script: src, UpdatedAt: time.Now()}
	m.scripts[m.key(account, name)] = s
	return s, nil
}

func (m *memScriptDB) SetScriptActive(ctx context.Context, account, name string) error {
	if _, ok := m.scripts[m.key(account, name)]; !ok {
		return consts.ErrDBNotFound
	}
	m.active = name
	return nil
}

func exerciseDBStorage(t *testing.T, database ScriptDB) {
	t.Helper()
	ctx := context.Background()
	s := NewDBStorage(database, "user@example.com")

	_, err := s.Active(ctx)
	assert.ErrorIs(t, err, consts.ErrScriptNotFound)

	require.NoError(t, s.Save(ctx, "main", []byte("keep;")))
	require.NoError(t, s.Activate(ctx, "main"))
	assert.ErrorIs(t, s.Activate(ctx, "nope"), consts.ErrScriptNotFound)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db:user@example.com/main", active.Location)

	resolved, err := Locations{"db": s}.Resolve(ctx, active.Location)
	require.NoError(t, err)
	assert.Equal(t, "keep;", string(resolved.Source))

	_, err = Locations{}.Resolve(ctx, active.Location)
	assert.ErrorIs(t, err, consts.ErrScriptNotFound)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, names)
}

func TestDBStorage(t *testing.T) {
	exerciseDBStorage(t, &memScriptDB{scripts: map[string]*db.SieveScript{}})
}

func TestDBStoragePostgres(t *testing.T) {
	exerciseDBStorage(t, testutils.SetupTestDatabase(t))
}
