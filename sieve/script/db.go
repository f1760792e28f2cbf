package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/db"
)

// ScriptDB is the part of db.Database used by DBStorage.
type ScriptDB interface {
	GetScriptByName(ctx context.Context, account, name string) (*db.SieveScript, error)
	GetActiveScript(ctx context.Context, account string) (*db.SieveScript, error)
	ListScripts(ctx context.Context, account string) ([]*db.SieveScript, error)
	UpsertScript(ctx context.Context, account, name, src string) (*db.SieveScript, error)
	SetScriptActive(ctx context.Context, account, name string) error
}

// DBStorage keeps the scripts of one account in the sieve_scripts table.
// Locations have the form "db:<account>/<name>".
type DBStorage struct {
	db      ScriptDB
	account string
}

func NewDBStorage(database ScriptDB, account string) *DBStorage {
	return &DBStorage{db: database, account: account}
}

func (s *DBStorage) toScript(row *db.SieveScript) *Script {
	return &Script{
		Name:     row.Name,
		Location: "db:" + row.Account + "/" + row.Name,
		Source:   []byte(row.Script),
		Resolver: s,
	}
}

func mapDBError(name string, err error) error {
	if errors.Is(err, consts.ErrDBNotFound) {
		return fmt.Errorf("%w: %s", consts.ErrScriptNotFound, name)
	}
	return fmt.Errorf("failed to load script %s: %w", name, err)
}

func (s *DBStorage) Get(ctx context.Context, name string) (*Script, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	row, err := s.db.GetScriptByName(ctx, s.account, name)
	if err != nil {
		return nil, mapDBError(name, err)
	}
	return s.toScript(row), nil
}

func (s *DBStorage) Resolve(ctx context.Context, location string) (*Script, error) {
	rest, ok := strings.CutPrefix(location, "db:")
	if !ok {
		return nil, fmt.Errorf("%w: not a database location: %s", consts.ErrScriptNotFound, location)
	}
	account, name, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("%w: malformed location %s", consts.ErrScriptNotFound, location)
	}
	row, err := s.db.GetScriptByName(ctx, account, name)
	if err != nil {
		return nil, mapDBError(name, err)
	}
	return s.toScript(row), nil
}

func (s *DBStorage) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.ListScripts(ctx, s.account)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	return names, nil
}

func (s *DBStorage) Active(ctx context.Context) (*Script, error) {
	row, err := s.db.GetActiveScript(ctx, s.account)
	if err != nil {
		return nil, mapDBError("active script", err)
	}
	return s.toScript(row), nil
}

func (s *DBStorage) Save(ctx context.Context, name string, src []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := s.db.UpsertScript(ctx, s.account, name, string(src)); err != nil {
		return fmt.Errorf("failed to save script %s: %w", name, err)
	}
	return nil
}

func (s *DBStorage) Activate(ctx context.Context, name string) error {
	if err := s.db.SetScriptActive(ctx, s.account, name); err != nil {
		return mapDBError(name, err)
	}
	return nil
}
