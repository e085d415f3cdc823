package igd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryAddPortValidation(t *testing.T) {
	r := &registry{}

	_, err := r.addPort(Protocol(99), 0, "192.168.1.2", 80, 0, "")
	require.ErrorIs(t, err, ErrInvalidProtocol)

	_, err = r.addPort(UDP, 0, "192.168.1.2", 0, 0, "")
	require.ErrorIs(t, err, ErrInvalidLocalPort)

	_, err = r.addPort(UDP, 0, "", 80, 0, "")
	require.ErrorIs(t, err, ErrInvalidLocalIP)

	m, err := r.addPort(UDP, 0, "192.168.1.2", 80, 0, "")
	require.NoError(t, err)
	require.Equal(t, "", m.Description())
	require.Len(t, r.mappings, 1)
}

func TestRegistryRemovePort(t *testing.T) {
	r := &registry{}
	m1, _ := r.addPort(UDP, 1000, "192.168.1.2", 80, 0, "a")
	m2, _ := r.addPort(TCP, 2000, "192.168.1.3", 81, 0, "b")

	require.Nil(t, r.removePort(UDP, 9999))
	require.Equal(t, m1, r.removePort(UDP, 1000))
	require.Equal(t, []*Mapping{m2}, r.mappings)
}

func TestRegistryRemovePortLocal(t *testing.T) {
	r := &registry{}
	m1, _ := r.addPort(UDP, 1000, "192.168.1.2", 80, 0, "a")
	_, _ = r.addPort(TCP, 2000, "192.168.1.3", 81, 0, "b")

	require.Equal(t, m1, r.removePortLocal(UDP, "192.168.1.2", 80))
	require.Len(t, r.mappings, 1)
}

func TestRegistryDeleteAll(t *testing.T) {
	r := &registry{}
	_, _ = r.addPort(UDP, 1000, "192.168.1.2", 80, 10*time.Second, "a")
	_, _ = r.addPort(TCP, 2000, "192.168.1.3", 81, 0, "b")

	removed := r.deleteAll()
	require.Len(t, removed, 2)
	require.Empty(t, r.mappings)
	require.True(t, r.noNewMappings)

	_, err := r.addPort(UDP, 3000, "192.168.1.4", 82, 0, "c")
	require.ErrorIs(t, err, ErrClosed)
}
