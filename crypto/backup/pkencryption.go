package backup

import (
	"crypto/hmac"
	"errors"
	"io"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

// backupHKDFInfo scopes the key material derived for the backup blob
// envelope away from every other HKDF use in this module.
const backupHKDFInfo = "m.megolm_backup.v1.curve25519-aes-sha2"

var ErrBackupMACMismatch = errors.New("backup: ciphertext MAC mismatch")

// pkEncrypt implements the backup blob encryption from spec.md §4.8:
// an ephemeral curve25519 ECDH against the backup's public key, HKDF to
// split the shared secret into an AES key, an HMAC key and a GCM nonce,
// AES-256-GCM over the plaintext, then an HMAC-SHA256 over the
// resulting ciphertext so the upload carries its own integrity tag
// independent of GCM's built-in one.
func pkEncrypt(recipientPublic [32]byte, plaintext []byte) (ciphertext, mac, ephemeralPublic []byte, err error) {
	ephemeral, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, nil, nil, err
	}
	shared, err := gcrypto.Curve25519SharedSecret(ephemeral.PrivateKey, recipientPublic)
	if err != nil {
		return nil, nil, nil, err
	}
	aesKey, hmacKey, nonce, err := deriveBackupKeys(shared)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = gcrypto.AESGCMSeal(aesKey, nonce, plaintext)
	if err != nil {
		return nil, nil, nil, err
	}
	mac = gcrypto.HMACSHA256(hmacKey, ciphertext)
	return ciphertext, mac, ephemeral.PublicKey[:], nil
}

// pkDecrypt reverses pkEncrypt given the backup's private key and the
// ephemeral public key the uploader included alongside the blob.
func pkDecrypt(privateKey [32]byte, ephemeralPublic [32]byte, ciphertext, mac []byte) ([]byte, error) {
	shared, err := gcrypto.Curve25519SharedSecret(privateKey, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	aesKey, hmacKey, nonce, err := deriveBackupKeys(shared)
	if err != nil {
		return nil, err
	}
	expectedMAC := gcrypto.HMACSHA256(hmacKey, ciphertext)
	if !hmac.Equal(expectedMAC, mac) {
		return nil, ErrBackupMACMismatch
	}
	return gcrypto.AESGCMOpen(aesKey, nonce, ciphertext)
}

func deriveBackupKeys(shared []byte) (aesKey, hmacKey, nonce []byte, err error) {
	reader := gcrypto.HKDFSHA256(shared, nil, []byte(backupHKDFInfo))
	derived := make([]byte, 32+32+12)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, nil, nil, err
	}
	return derived[0:32], derived[32:64], derived[64:76], nil
}
