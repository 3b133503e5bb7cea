package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(TableBundles, "1", []byte("record")))

	got, err := s.Get(TableBundles, "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), got)

	require.NoError(t, s.Delete(TableBundles, "1"))
	got, err = s.Get(TableBundles, "1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(TableLinks, "nosuch")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnknownTable(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Put("nosuchtable", "k", nil))
}

func TestForEach(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(TableRegistrations, "10", []byte("a")))
	require.NoError(t, s.Put(TableRegistrations, "11", []byte("b")))

	seen := map[string]string{}
	err := s.ForEach(TableRegistrations, func(k string, v []byte) error {
		seen[k] = string(v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"10": "a", "11": "b"}, seen)
}

func TestBatchAppliesAtomically(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(TableBundles, "doomed", []byte("x")))

	err := s.Batch([]Update{
		{Op: OpPut, Table: TableBundles, Key: "1", Value: []byte("one")},
		{Op: OpPut, Table: TablePendingACS, Key: "ipn:2.0|1|0", Value: []byte("acs")},
		{Op: OpDelete, Table: TableBundles, Key: "doomed"},
	})
	require.NoError(t, err)

	got, _ := s.Get(TableBundles, "1")
	assert.Equal(t, []byte("one"), got)
	got, _ = s.Get(TablePendingACS, "ipn:2.0|1|0")
	assert.Equal(t, []byte("acs"), got)
	got, _ = s.Get(TableBundles, "doomed")
	assert.Nil(t, got)
}

func TestPayloadStoreLifecycle(t *testing.T) {
	p, err := NewPayloadStore(t.TempDir())
	require.NoError(t, err)

	path, n, err := p.Create(strings.NewReader("payload bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	assert.True(t, strings.HasPrefix(path, p.Root()))

	data, err := p.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(data))

	require.NoError(t, p.Remove(path))
	require.NoError(t, p.Remove(path), "double remove is not an error")
	_, err = p.Read(path)
	assert.Error(t, err)
}
