package backup

import (
	"errors"

	"github.com/mr-tron/base58"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// recoveryKeyPrefix is the two-byte prefix Matrix clients prepend to a
// backup recovery key before base58-encoding it, so a scanned/typed key
// can be told apart from other base58 strings at a glance.
var recoveryKeyPrefix = [2]byte{0x8B, 0x01}

var ErrInvalidRecoveryKey = errors.New("backup: invalid recovery key")

// EncodeRecoveryKey renders a 32-byte backup private key as the base58
// string a user can type in or scan from a QR code: prefix || key ||
// parity, where parity is the XOR of every preceding byte (a
// typo-detecting checksum, not a cryptographic one). The output is one
// ungrouped base58 run; DecodeRecoveryKey also accepts it with dashes or
// spaces inserted.
func EncodeRecoveryKey(privateKey [32]byte) string {
	buf := make([]byte, 0, 2+32+1)
	buf = append(buf, recoveryKeyPrefix[:]...)
	buf = append(buf, privateKey[:]...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)
	return base58.Encode(buf)
}

// DecodeRecoveryKey parses a base58 recovery key (dashes and whitespace
// are ignored, matching how Matrix clients format these for display),
// verifying the prefix and parity byte before returning the raw key.
func DecodeRecoveryKey(encoded string) ([32]byte, error) {
	var key [32]byte
	cleaned := make([]byte, 0, len(encoded))
	for _, r := range encoded {
		if r == '-' || r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		cleaned = append(cleaned, byte(r))
	}
	decoded, err := base58.Decode(string(cleaned))
	if err != nil {
		return key, ErrInvalidRecoveryKey
	}
	if len(decoded) != 2+32+1 {
		return key, ErrInvalidRecoveryKey
	}
	if decoded[0] != recoveryKeyPrefix[0] || decoded[1] != recoveryKeyPrefix[1] {
		return key, ErrInvalidRecoveryKey
	}
	var parity byte
	for _, b := range decoded[:len(decoded)-1] {
		parity ^= b
	}
	if parity != decoded[len(decoded)-1] {
		return key, ErrInvalidRecoveryKey
	}
	copy(key[:], decoded[2:34])
	return key, nil
}

// PublicKeyFor derives the curve25519 public key a recovery key's
// private half corresponds to, so a restored recovery key can be
// checked against a backup's advertised auth_data.public_key before
// trusting it.
func PublicKeyFor(privateKey [32]byte) (id.Curve25519, error) {
	pair, err := deriveKeyPair(privateKey)
	if err != nil {
		return "", err
	}
	return id.Curve25519(id.EncodeUnpadded(pair.PublicKey[:])), nil
}

// curve25519Basepoint is the standard X25519 base point (RFC 7748),
// used to derive a public key from a raw private scalar without
// depending on golang.org/x/crypto/curve25519 directly in this package.
var curve25519Basepoint = [32]byte{9}

func deriveKeyPair(privateKey [32]byte) (gcrypto.Curve25519KeyPair, error) {
	pub, err := gcrypto.Curve25519SharedSecret(privateKey, curve25519Basepoint)
	if err != nil {
		return gcrypto.Curve25519KeyPair{}, err
	}
	var pair gcrypto.Curve25519KeyPair
	pair.PrivateKey = privateKey
	copy(pair.PublicKey[:], pub)
	return pair, nil
}
