package binstore

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/db"
)

// Postgres keeps binaries in the sieve_binaries table next to the scripts.
type Postgres struct {
	db *db.Database
}

func NewPostgres(database *db.Database) *Postgres {
	return &Postgres{db: database}
}

func (p *Postgres) Backend() string { return "postgres" }

func (p *Postgres) Get(ctx context.Context, location string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(p.Backend(), "get", start, err) }()

	data, err = p.db.GetBinary(ctx, LocationHash(location))
	if errors.Is(err, consts.ErrDBNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p *Postgres) Put(ctx context.Context, location string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe(p.Backend(), "put", start, err) }()
	return p.db.PutBinary(ctx, LocationHash(location), location, data)
}

func (p *Postgres) Delete(ctx context.Context, location string) (err error) {
	start := time.Now()
	defer func() { observe(p.Backend(), "delete", start, err) }()
	return p.db.DeleteBinary(ctx, LocationHash(location))
}
