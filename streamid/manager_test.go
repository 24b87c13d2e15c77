package streamid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusrpc/nimbus/streamid"
)

func TestCallerParity(t *testing.T) {
	m := streamid.New(streamid.Caller)
	ids := make([]uint32, 5)
	for i := range ids {
		id, err := m.Generate()
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, []uint32{1, 3, 5, 7, 9}, ids)
}

func TestResponderParity(t *testing.T) {
	m := streamid.New(streamid.Responder)
	ids := make([]uint32, 3)
	for i := range ids {
		id, err := m.Generate()
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, []uint32{2, 4, 6}, ids)
}

func TestReleaseThenInactive(t *testing.T) {
	m := streamid.New(streamid.Caller)
	id, err := m.Generate()
	require.NoError(t, err)
	require.True(t, m.IsActive(id))
	m.Release(id)
	require.False(t, m.IsActive(id))
	require.Zero(t, m.ActiveCount())
}

func TestResetClearsState(t *testing.T) {
	m := streamid.New(streamid.Caller)
	id, _ := m.Generate()
	require.True(t, m.IsActive(id))
	m.Reset()
	require.False(t, m.IsActive(id))
	next, err := m.Generate()
	require.NoError(t, err)
	require.Equal(t, uint32(1), next)
}

func TestNoIDReusedAcrossLifetime(t *testing.T) {
	m := streamid.New(streamid.Caller)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := m.Generate()
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
		if i%2 == 0 {
			m.Release(id)
		}
	}
}
