package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeyFromHex parses a 64-hex-char master key from its environment form.
func MasterKeyFromHex(v string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(v)
	if err != nil {
		return key, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("master key must be 32 bytes (64 hex chars), got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// DeriveOrgKey derives a per-organization encryption key from the master key
// via HKDF-SHA256. Provider credentials are sealed under the derived key so a
// single organization's records can be re-keyed without touching the rest.
func DeriveOrgKey(masterKey [32]byte, orgDomain string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, masterKey[:], nil, []byte("shadowsift/org-credentials/"+orgDomain))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("derive org key: %w", err)
	}
	return out, nil
}
