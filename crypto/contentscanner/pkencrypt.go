package contentscanner

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// pkEncryptHKDFInfo scopes the key material derived for a scan/download
// request envelope away from every other HKDF use in this module; the
// scheme itself (ephemeral ECDH, AES-256-CTR, HMAC-SHA256 over the
// ciphertext) mirrors vodozemac's PkEncryption, which is what the
// content scanner expects on the wire.
const pkEncryptHKDFInfo = "m.content_scanner.v1.curve25519-aes-sha2"

var ErrScanMACMismatch = errors.New("contentscanner: ciphertext MAC mismatch")

// buildEncryptedMetadata serializes file as {"file": ...} and
// PK-encrypts it under the scanner's public key, producing the
// {ciphertext, mac, ephemeral} envelope both scan_encrypted and
// download_encrypted send as their request body.
func buildEncryptedMetadata(scannerPublicKey [32]byte, file EncryptedFile) (EncryptedMetadata, error) {
	plaintext, err := json.Marshal(encryptedFileDTO{File: file})
	if err != nil {
		return EncryptedMetadata{}, err
	}
	ciphertext, mac, ephemeral, err := pkEncrypt(scannerPublicKey, plaintext)
	if err != nil {
		return EncryptedMetadata{}, err
	}
	return EncryptedMetadata{
		Ciphertext: id.EncodeUnpadded(ciphertext),
		MAC:        id.EncodeUnpadded(mac),
		Ephemeral:  id.EncodeUnpadded(ephemeral),
	}, nil
}

func pkEncrypt(recipientPublic [32]byte, plaintext []byte) (ciphertext, mac, ephemeralPublic []byte, err error) {
	ephemeral, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, nil, nil, err
	}
	shared, err := gcrypto.Curve25519SharedSecret(ephemeral.PrivateKey, recipientPublic)
	if err != nil {
		return nil, nil, nil, err
	}
	aesKey, hmacKey, iv, err := deriveScanKeys(shared)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = gcrypto.AESCTR(aesKey, iv, plaintext)
	if err != nil {
		return nil, nil, nil, err
	}
	mac = gcrypto.HMACSHA256(hmacKey, ciphertext)
	return ciphertext, mac, ephemeral.PublicKey[:], nil
}

// pkDecrypt is the server-side counterpart to pkEncrypt; kept here for
// symmetry with crypto/backup's pkencryption.go and exercised directly
// by this package's tests acting as a stand-in scanner.
func pkDecrypt(privateKey, ephemeralPublic [32]byte, ciphertext, mac []byte) ([]byte, error) {
	shared, err := gcrypto.Curve25519SharedSecret(privateKey, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	aesKey, hmacKey, iv, err := deriveScanKeys(shared)
	if err != nil {
		return nil, err
	}
	expectedMAC := gcrypto.HMACSHA256(hmacKey, ciphertext)
	if !hmac.Equal(expectedMAC, mac) {
		return nil, ErrScanMACMismatch
	}
	return gcrypto.AESCTR(aesKey, iv, ciphertext)
}

func deriveScanKeys(shared []byte) (aesKey, hmacKey, iv []byte, err error) {
	reader := gcrypto.HKDFSHA256(shared, nil, []byte(pkEncryptHKDFInfo))
	derived := make([]byte, 32+32+16)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, nil, nil, err
	}
	return derived[0:32], derived[32:64], derived[64:80], nil
}
