package contact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContactRoundtrip(t *testing.T) {
	require := require.New(t)
	ct := NewContact("0xabc", []byte{1, 2, 3})
	b, err := ct.Bytes()
	require.Nil(err)

	got, err := FromBytes(b, "0xabc")
	require.Nil(err)
	require.Equal(ct.WalletAddress, got.WalletAddress)
	require.Equal(ct.KeyBundle, got.KeyBundle)
	require.Equal(ct.InstallationID(), got.InstallationID())
}

func TestMalformedContact(t *testing.T) {
	require := require.New(t)
	_, err := FromBytes([]byte{0xff, 0xfe}, "0xabc")
	require.ErrorIs(err, ErrMalformedContact)

	_, err = FromBytes([]byte(`{"wallet_address":"0xabc"}`), "0xabc")
	require.ErrorIs(err, ErrMalformedContact)
}

func TestInstallationIDDependsOnBundleOnly(t *testing.T) {
	require := require.New(t)
	a := NewContact("0xabc", []byte{1, 2, 3})
	b := NewContact("0xdef", []byte{1, 2, 3})
	c := NewContact("0xabc", []byte{1, 2, 4})
	require.Equal(a.InstallationID(), b.InstallationID())
	require.NotEqual(a.InstallationID(), c.InstallationID())
}
