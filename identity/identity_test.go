package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedSigner struct {
	address string
}

func (s *fixedSigner) Address() string {
	return s.address
}

func (s *fixedSigner) Sign(text string) ([]byte, error) {
	return []byte(text), nil
}

func TestAccountRoundtrip(t *testing.T) {
	require := require.New(t)
	account := NewAccount(&fixedSigner{address: "0xabc"}, []byte{1, 2, 3})
	b, err := account.Serialize()
	require.Nil(err)

	got, err := Parse(b)
	require.Nil(err)
	require.Equal("0xabc", got.WalletAddress)
	require.Equal([]byte{1, 2, 3}, got.IdentityKeys)
}

func TestMalformedAccount(t *testing.T) {
	require := require.New(t)
	_, err := Parse([]byte{0xff})
	require.ErrorIs(err, ErrMalformedAccount)

	_, err = Parse([]byte(`{"identity_keys":"AQID"}`))
	require.ErrorIs(err, ErrMalformedAccount)
}
