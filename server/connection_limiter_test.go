package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimiterTotal(t *testing.T) {
	cl := NewConnectionLimiter("LMTP", 2, 0)
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")

	r1, err := cl.Accept(a)
	require.NoError(t, err)
	_, err = cl.Accept(b)
	require.NoError(t, err)

	_, err = cl.Accept(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum connections reached (2/2)")

	r1()
	r1() // released once only
	_, err = cl.Accept(a)
	require.NoError(t, err)
	assert.Equal(t, 2, cl.GetStats().TotalConnections)
}

func TestConnectionLimiterPerIP(t *testing.T) {
	cl := NewConnectionLimiter("LMTP", 0, 1)
	a := net.ParseIP("10.0.0.1")

	release, err := cl.Accept(a)
	require.NoError(t, err)
	_, err = cl.Accept(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "for 10.0.0.1 (1/1)")

	_, err = cl.Accept(net.ParseIP("10.0.0.2"))
	require.NoError(t, err)

	release()
	stats := cl.GetStats()
	assert.NotContains(t, stats.IPConnections, "10.0.0.1")
	assert.Equal(t, 1, stats.IPConnections["10.0.0.2"])
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter("LMTP", 0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := cl.Accept(net.ParseIP("127.0.0.1"))
			if assert.NoError(t, err) {
				release()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, cl.GetStats().TotalConnections)
}
