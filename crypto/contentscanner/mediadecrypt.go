package contentscanner

import (
	"encoding/base64"
	"errors"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

var (
	ErrUnsupportedFileAlgorithm = errors.New("contentscanner: unsupported EncryptedFile algorithm")
	ErrFileHashMismatch         = errors.New("contentscanner: decrypted file does not match its sha256 hash")
)

// DecryptMediaFile reverses the Matrix media encryption described by
// an EncryptedFile: the downloaded ciphertext is checked against the
// file's declared sha256 hash, then decrypted with AES-256-CTR under
// the JSON Web Key and IV the uploader embedded in the message event.
// This is independent of the PK-encryption envelope used to talk to
// the content scanner itself.
func DecryptMediaFile(file EncryptedFile, ciphertext []byte) ([]byte, error) {
	if file.Key.Alg != "A256CTR" {
		return nil, ErrUnsupportedFileAlgorithm
	}
	expectedHash, ok := file.Hashes["sha256"]
	if !ok {
		return nil, ErrFileHashMismatch
	}
	if base64.RawStdEncoding.EncodeToString(gcrypto.SHA256(ciphertext)) != trimPadding(expectedHash) {
		return nil, ErrFileHashMismatch
	}
	key, err := decodeBase64URLOrStd(file.Key.K)
	if err != nil {
		return nil, err
	}
	iv, err := decodeBase64URLOrStd(file.IV)
	if err != nil {
		return nil, err
	}
	return gcrypto.AESCTR(key, iv, ciphertext)
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// decodeBase64URLOrStd accepts both padded/unpadded standard and
// URL-safe base64, since JWK "k" values are URL-safe while the rest of
// a Matrix EncryptedFile is plain unpadded standard base64.
func decodeBase64URLOrStd(s string) ([]byte, error) {
	s = trimPadding(s)
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
