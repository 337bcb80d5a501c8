// Package goolm is the pure-Go Olm/Megolm ratchet implementation this
// module treats as the C1 primitive: crypto/goolm/olm and
// crypto/goolm/megolm build the actual ratchets on top of
// crypto/goolm/crypto, and this top-level package only provides the
// pickle envelope (encrypt-then-MAC of an opaque byte blob) both
// ratchets serialize their state through.
package goolm

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"

	"go.mau.fi/olmcore/crypto/goolm/crypto"
)

var ErrPickleMAC = errors.New("goolm: pickle authentication failed")

const pickleInfo = "OLM_PICKLE"

// Seal encrypts plaintext under a pickle key, in the same spirit as
// libolm's pickle format: AES-256-CTR for confidentiality, HMAC-SHA256
// over ciphertext+iv for integrity. The pickle key is typically a
// per-account secret held by the crypto store, not reused for anything
// else.
func Seal(pickleKey, plaintext []byte) ([]byte, error) {
	material := make([]byte, 64)
	if _, err := io.ReadFull(crypto.HKDFSHA256(pickleKey, nil, []byte(pickleInfo)), material); err != nil {
		return nil, err
	}
	aesKey, macKey := material[:32], material[32:]

	iv := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	ciphertext, err := crypto.AESCTR(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(iv)
	buf.Write(ciphertext)
	mac := crypto.HMACSHA256(macKey, buf.Bytes())
	buf.Write(mac)
	return buf.Bytes(), nil
}

// Open reverses Seal, returning ErrPickleMAC if the pickle was tampered
// with or encrypted under a different key.
func Open(pickleKey, sealed []byte) ([]byte, error) {
	if len(sealed) < 16+32 {
		return nil, ErrPickleMAC
	}
	material := make([]byte, 64)
	if _, err := io.ReadFull(crypto.HKDFSHA256(pickleKey, nil, []byte(pickleInfo)), material); err != nil {
		return nil, err
	}
	aesKey, macKey := material[:32], material[32:]

	body, mac := sealed[:len(sealed)-32], sealed[len(sealed)-32:]
	expectedMAC := crypto.HMACSHA256(macKey, body)
	if subtle.ConstantTimeCompare(expectedMAC, mac) != 1 {
		return nil, ErrPickleMAC
	}
	iv, ciphertext := body[:16], body[16:]
	return crypto.AESCTR(aesKey, iv, ciphertext)
}
