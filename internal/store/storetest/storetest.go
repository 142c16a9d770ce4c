// Package storetest provides an in-process store for tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shehryarbajwa/browserhub/internal/store"
)

// New starts a miniredis server bound to t and returns a client for it
func New(t testing.TB) (*store.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	return Connect(t, mr), mr
}

// Connect returns an additional client for mr, as a separate server process would have
func Connect(t testing.TB, mr *miniredis.Miniredis) *store.Client {
	t.Helper()

	c := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c
}
