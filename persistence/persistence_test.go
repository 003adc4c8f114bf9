package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testPersistence(t *testing.T, p Persistence) {
	require := require.New(t)

	v, err := p.Read("missing")
	require.Nil(err)
	require.Nil(v)

	require.Nil(p.Write("k", []byte{1, 2, 3}))
	v, err = p.Read("k")
	require.Nil(err)
	require.Equal([]byte{1, 2, 3}, v)

	// last write wins
	require.Nil(p.Write("k", []byte{9}))
	v, err = p.Read("k")
	require.Nil(err)
	require.Equal([]byte{9}, v)
}

func TestInMemoryPersistence(t *testing.T) {
	testPersistence(t, NewInMemoryPersistence())
}

func TestFilePersistence(t *testing.T) {
	p, err := NewFilePersistence(t.TempDir())
	require.Nil(t, err)
	testPersistence(t, p)
}

func TestFilePersistenceKeysAreIndependent(t *testing.T) {
	require := require.New(t)
	p, err := NewFilePersistence(t.TempDir())
	require.Nil(err)
	require.Nil(p.Write("a/b", []byte{1}))
	require.Nil(p.Write("a_b", []byte{2}))
	v, err := p.Read("a/b")
	require.Nil(err)
	require.Equal([]byte{1}, v)
	v, err = p.Read("a_b")
	require.Nil(err)
	require.Equal([]byte{2}, v)
}
