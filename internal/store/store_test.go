package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("myhost.example.com", "netboot_enabled", "true", TypeBool))

	row, ok, err := s.Get("myhost.example.com", "netboot_enabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", row.Value)
	assert.Equal(t, TypeBool, row.Type)

	require.NoError(t, s.Delete("myhost.example.com", "netboot_enabled"))
	_, ok, err = s.Get("myhost.example.com", "netboot_enabled")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SetOverwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("host", "k", "1", TypeInt))
	require.NoError(t, s.Set("host", "k", "2", TypeInt))

	row, ok, err := s.Get("host", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", row.Value)
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("host", "a", "1", TypeInt))
	require.NoError(t, s.Set("host", "b", "2", TypeInt))

	rows, err := s.List("host")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_FindBySystemAndKeyValue(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("host1", "net:ipv4_addr", "192.0.2.1", TypeString))

	id, ok, err := s.FindBySystemAndKeyValue("net:ipv4_addr", "192.0.2.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "host1", id)

	_, ok, err = s.FindBySystemAndKeyValue("net:ipv4_addr", "192.0.2.2")
	require.NoError(t, err)
	assert.False(t, ok)
}
