package chain

import (
	"fmt"

	"EnergyRental/internal/apperr"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// AddressVersion prefixes every mainnet account address.
const AddressVersion byte = 0x41

// ValidateAddress checks a base58check account address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is empty: %w", apperr.ErrValidation)
	}
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return fmt.Errorf("address %q: %v: %w", address, err, apperr.ErrValidation)
	}
	if version != AddressVersion || len(payload) != 20 {
		return fmt.Errorf("address %q: unexpected version or length: %w", address, apperr.ErrValidation)
	}
	return nil
}

// AddressFromPubKey encodes an uncompressed secp256k1 public key (65 bytes,
// leading 0x04) as a base58check account address.
func AddressFromPubKey(uncompressed []byte) (string, error) {
	if len(uncompressed) != 65 || uncompressed[0] != 0x04 {
		return "", fmt.Errorf("want 65-byte uncompressed public key, got %d bytes", len(uncompressed))
	}
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return base58.CheckEncode(sum[len(sum)-20:], AddressVersion), nil
}
