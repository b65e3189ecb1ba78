package kvstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "presenced_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	v, err := s.Get("missing")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSetUpsertDelete(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Set("k", "v1"))
	require.NoError(t, s.Set("k", "v2"))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"), "deleting twice is not an error")
	v, err = s.Get("k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presenced.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, RecordConnection(s, "AA:BB:CC:DD:EE:FF", time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	id, err := LoadIdentity(s)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", id.LastConnectedDeviceID)
	assert.True(t, id.LastConnectionTime.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)))
}

func TestClearConnectionKeepsUser(t *testing.T) {
	s := testStore(t)
	require.NoError(t, SetUserID(s, "cm9e2syr60000jo04miuh46mp"))
	require.NoError(t, RecordConnection(s, "AA:BB", time.Now()))

	require.NoError(t, ClearConnection(s))

	id, err := LoadIdentity(s)
	require.NoError(t, err)
	assert.Equal(t, "cm9e2syr60000jo04miuh46mp", id.UserID)
	assert.Empty(t, id.LastConnectedDeviceID)
	assert.True(t, id.LastConnectionTime.IsZero())
}

func TestLoadIdentityBadTimestamp(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Set(KeyLastConnectedDeviceID, "AA:BB"))
	require.NoError(t, s.Set(KeyLastConnectionTime, "yesterday"))

	id, err := LoadIdentity(s)
	assert.Error(t, err)
	assert.Equal(t, "AA:BB", id.LastConnectedDeviceID)
}

func TestSetUserIDRejectsEmpty(t *testing.T) {
	assert.Error(t, SetUserID(testStore(t), ""))
}
