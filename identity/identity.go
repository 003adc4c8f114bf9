// This package defines the local account identity material and the wallet
// signing capability used to bootstrap it. Key material is opaque here; the
// crypto layer owns its meaning.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signer is the wallet capability other collaborators expose to the core. A
// local key and a third-party session signer both satisfy it.
type Signer interface {
	Address() string
	Sign(text string) ([]byte, error)
}

var ErrMalformedAccount = errors.New("identity: malformed account")

// Account is the local identity created once at registration and loaded at
// every client start.
type Account struct {
	WalletAddress string `json:"wallet_address"`
	IdentityKeys  []byte `json:"identity_keys"`
}

func NewAccount(signer Signer, identityKeys []byte) *Account {
	return &Account{
		WalletAddress: signer.Address(),
		IdentityKeys:  identityKeys,
	}
}

func (a *Account) Serialize() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("identity: error serializing account: %w", err)
	}
	return b, nil
}

func Parse(b []byte) (*Account, error) {
	a := &Account{}
	if err := json.Unmarshal(b, a); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedAccount, err)
	}
	if a.WalletAddress == "" {
		return nil, fmt.Errorf("%w: missing wallet address", ErrMalformedAccount)
	}
	return a, nil
}
