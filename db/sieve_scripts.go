package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/sieve/consts"
)

type SieveScript struct {
	ID        int64
	Account   string
	Name      string
	Script    string
	Active    bool
	UpdatedAt time.Time
}

const scriptColumns = "id, account, name, script, active, updated_at"

func scanScript(row pgx.Row) (*SieveScript, error) {
	var s SieveScript
	if err := row.Scan(&s.ID, &s.Account, &s.Name, &s.Script, &s.Active, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (db *Database) GetScriptByName(ctx context.Context, account, name string) (*SieveScript, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	return scanScript(db.Pool.QueryRow(ctx,
		"SELECT "+scriptColumns+" FROM sieve_scripts WHERE account = $1 AND name = $2", account, name))
}

func (db *Database) GetActiveScript(ctx context.Context, account string) (*SieveScript, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	return scanScript(db.Pool.QueryRow(ctx,
		"SELECT "+scriptColumns+" FROM sieve_scripts WHERE account = $1 AND active", account))
}

func (db *Database) ListScripts(ctx context.Context, account string) ([]*SieveScript, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	rows, err := db.Pool.Query(ctx, "SELECT "+scriptColumns+" FROM sieve_scripts WHERE account = $1 ORDER BY name", account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*SieveScript
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

func (db *Database) UpsertScript(ctx context.Context, account, name, src string) (*SieveScript, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	return scanScript(db.Pool.QueryRow(ctx, `
		INSERT INTO sieve_scripts (account, name, script) VALUES ($1, $2, $3)
		ON CONFLICT (account, name) DO UPDATE SET script = EXCLUDED.script, updated_at = now()
		RETURNING `+scriptColumns, account, name, src))
}

// SetScriptActive makes name the only active script of the account.
func (db *Database) SetScriptActive(ctx context.Context, account, name string) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE sieve_scripts SET active = FALSE WHERE account = $1 AND active", account); err != nil {
		return fmt.Errorf("failed to deactivate scripts: %w", err)
	}
	tag, err := tx.Exec(ctx, "UPDATE sieve_scripts SET active = TRUE, updated_at = now() WHERE account = $1 AND name = $2", account, name)
	if err != nil {
		return fmt.Errorf("failed to activate script: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return tx.Commit(ctx)
}
