// Package crypto holds the primitive operations the Olm and Megolm
// ratchets are built out of: hashing, HMAC, HKDF, Curve25519 ECDH,
// Ed25519 signatures and AES-256-CTR. None of these know anything about
// sessions, pickling or the wire format; they're the leaf layer.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SHA256 returns the SHA-256 digest of the input.
func SHA256(input []byte) []byte {
	sum := sha256.Sum256(input)
	return sum[:]
}

// SHA256AsBase64 hashes the input and returns it as unpadded base64,
// used for deriving deterministic session/identifier strings.
func SHA256AsBase64(input []byte) string {
	return base64.RawStdEncoding.EncodeToString(SHA256(input))
}

// HMACSHA256 computes HMAC-SHA256(key, message).
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HKDFSHA256 returns an HKDF-SHA256 reader seeded from the given input
// keying material, salt and info string. Callers read as many bytes as
// they need from the returned reader.
func HKDFSHA256(secret, salt, info []byte) io.Reader {
	return hkdf.New(sha256.New, secret, salt, info)
}

// Curve25519KeyPair is a Curve25519 key pair used for ECDH.
type Curve25519KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateCurve25519KeyPair creates a fresh Curve25519 key pair.
func GenerateCurve25519KeyPair() (Curve25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return Curve25519KeyPair{}, err
	}
	// Clamp per RFC 7748; curve25519.X25519 clamps internally too, but we
	// clamp here so the stored private key is already in canonical form.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Curve25519KeyPair{}, err
	}
	var pair Curve25519KeyPair
	pair.PrivateKey = priv
	copy(pair.PublicKey[:], pub)
	return pair, nil
}

// Curve25519SharedSecret performs ECDH between our private key and the
// peer's public key.
func Curve25519SharedSecret(ourPrivate, theirPublic [32]byte) ([]byte, error) {
	return curve25519.X25519(ourPrivate[:], theirPublic[:])
}

// Ed25519KeyPair is an Ed25519 signing key pair.
type Ed25519KeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateEd25519KeyPair creates a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, err
	}
	return Ed25519KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

func Ed25519Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

func Ed25519Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pub, message, signature)
}

// AESCTR encrypts or decrypts (the operation is symmetric) data with
// AES-256-CTR under the given key and IV. The IV must be 16 bytes.
func AESCTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// AESGCMSeal encrypts plaintext with AES-256-GCM under key and nonce,
// used only by the backup engine's curve25519-aes-sha2 blob encryption;
// everywhere else in this package uses the AES-CTR+HMAC envelope instead.
func AESGCMSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// AESGCMOpen decrypts and authenticates a blob produced by AESGCMSeal.
func AESGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
