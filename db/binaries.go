package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/sieve/consts"
)

func (db *Database) GetBinary(ctx context.Context, locationHash string) ([]byte, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	var data []byte
	err := db.Pool.QueryRow(ctx, "SELECT data FROM sieve_binaries WHERE location_hash = $1", locationHash).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrDBNotFound
	}
	return data, err
}

func (db *Database) PutBinary(ctx context.Context, locationHash, location string, data []byte) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sieve_binaries (location_hash, location, data) VALUES ($1, $2, $3)
		ON CONFLICT (location_hash) DO UPDATE SET location = EXCLUDED.location, data = EXCLUDED.data, updated_at = now()`,
		locationHash, location, data)
	return err
}

func (db *Database) DeleteBinary(ctx context.Context, locationHash string) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	_, err := db.Pool.Exec(ctx, "DELETE FROM sieve_binaries WHERE location_hash = $1", locationHash)
	return err
}
