package chain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// KeyRing holds the signing keys of the pooled accounts, indexed by address.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: map[string]*btcec.PrivateKey{}}
}

// Add registers a hex private key and returns the address it controls.
// When want is set, the key must control that address.
func (k *KeyRing) Add(hexKey, want string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("private key must be 32 hex-encoded bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	addr, err := AddressFromPubKey(pub.SerializeUncompressed())
	if err != nil {
		return "", err
	}
	if want != "" && want != addr {
		return "", fmt.Errorf("private key controls %s, not %s", addr, want)
	}
	k.mu.Lock()
	k.keys[addr] = priv
	k.mu.Unlock()
	return addr, nil
}

func (k *KeyRing) Has(address string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[address]
	return ok
}

// Sign signs a transaction id and returns the 65-byte r||s||v signature in hex.
func (k *KeyRing) Sign(address, txID string) (string, error) {
	k.mu.RLock()
	priv, ok := k.keys[address]
	k.mu.RUnlock()
	if !ok {
		return "", callErr("sign", KindSigning, "no key for "+address, nil)
	}
	hash, err := hex.DecodeString(txID)
	if err != nil || len(hash) != 32 {
		return "", callErr("sign", KindSigning, "txID is not a 32-byte hex hash", err)
	}
	compact, err := ecdsa.SignCompact(priv, hash, false)
	if err != nil {
		return "", callErr("sign", KindSigning, "", err)
	}
	// compact is v||r||s with v = 27 + recovery id.
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return hex.EncodeToString(sig), nil
}

// RecoverSigner returns the address that produced sig over txID.
func RecoverSigner(txID, sig string) (string, error) {
	hash, err := hex.DecodeString(txID)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(sig)
	if err != nil || len(raw) != 65 {
		return "", fmt.Errorf("signature must be 65 hex-encoded bytes")
	}
	compact := make([]byte, 65)
	compact[0] = raw[64] + 27
	copy(compact[1:], raw[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", err
	}
	return AddressFromPubKey(pub.SerializeUncompressed())
}
