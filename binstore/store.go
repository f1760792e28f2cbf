// Package binstore persists compiled Sieve binaries keyed by the location
// of their main script.
package binstore

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/pkg/metrics"
)

// ErrNotFound is returned by Get when no binary is stored for a location.
var ErrNotFound = consts.ErrBinaryNotFound

// Store keeps encoded binaries. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, location string) ([]byte, error)
	Put(ctx context.Context, location string, data []byte) error
	Delete(ctx context.Context, location string) error
	// Backend names the store in logs and metrics.
	Backend() string
}

// LocationHash returns the hex blake3 hash of a script location.
func LocationHash(location string) string {
	sum := blake3.Sum256([]byte(location))
	return hex.EncodeToString(sum[:16])
}

// Owner returns the account a location belongs to, or "" for file and
// memory scripts.
func Owner(location string) string {
	rest, ok := strings.CutPrefix(location, "db:")
	if !ok {
		return ""
	}
	owner, _, _ := strings.Cut(rest, "/")
	return owner
}

func observe(backend, op string, start time.Time, err error) {
	res := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		res = "not_found"
	default:
		res = "error"
	}
	metrics.BinaryStoreOperations.WithLabelValues(backend, op, res).Inc()
	metrics.BinaryStoreDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Memory keeps binaries in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Get(_ context.Context, location string) ([]byte, error) {
	start := time.Now()
	m.mu.RLock()
	data, ok := m.data[location]
	m.mu.RUnlock()
	if !ok {
		observe(m.Backend(), "get", start, ErrNotFound)
		return nil, ErrNotFound
	}
	observe(m.Backend(), "get", start, nil)
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, location string, data []byte) error {
	start := time.Now()
	m.mu.Lock()
	m.data[location] = append([]byte(nil), data...)
	m.mu.Unlock()
	observe(m.Backend(), "put", start, nil)
	return nil
}

func (m *Memory) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	delete(m.data, location)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored binaries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
