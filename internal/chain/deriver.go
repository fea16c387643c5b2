package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// AddressDeriver hands out one payment address per order.
type AddressDeriver struct {
	XPub string
	// Static is used when no xpub is configured.
	Static string
}

// Derive expects XPub at path m/44'/195'/0'/0 and derives child index i.
func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		if d.Static == "" {
			return "", errors.New("neither xpub nor static payment address is configured")
		}
		return d.Static, nil
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	return AddressFromPubKey(pubKey.SerializeUncompressed())
}

func (d AddressDeriver) Unique() bool {
	return d.XPub != ""
}
