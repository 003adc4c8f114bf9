// This package defines the typed view of a peer's public key bundle. The
// bundle bytes themselves are produced and consumed by the crypto layer; here
// they are only carried alongside the owning wallet address and round-tripped
// through storage.
package contact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedContact indicates stored bundle bytes could not be parsed back
// into a Contact. A peer with a malformed contact cannot be encrypted to, so
// this must propagate to the caller.
var ErrMalformedContact = errors.New("contact: malformed bundle")

type Contact struct {
	WalletAddress string `json:"wallet_address"`
	KeyBundle     []byte `json:"key_bundle"`
}

func NewContact(walletAddress string, keyBundle []byte) *Contact {
	return &Contact{WalletAddress: walletAddress, KeyBundle: keyBundle}
}

// InstallationID identifies the device/key-bundle instance this contact
// represents. It is a pure function of the bundle bytes.
func (c *Contact) InstallationID() string {
	sum := sha256.Sum256(c.KeyBundle)
	return hex.EncodeToString(sum[:])
}

func (c *Contact) Bytes() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("contact: error serializing bundle: %w", err)
	}
	return b, nil
}

func FromBytes(b []byte, walletAddress string) (*Contact, error) {
	c := &Contact{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedContact, err)
	}
	if len(c.KeyBundle) == 0 {
		return nil, fmt.Errorf("%w: empty key bundle", ErrMalformedContact)
	}
	if c.WalletAddress == "" {
		c.WalletAddress = walletAddress
	}
	return c, nil
}
