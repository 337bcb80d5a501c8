// Package id contains the basic Matrix identifier types used by the
// crypto core: user, device and room IDs, and the key types that show
// up in device keys, signatures and backup auth data.
package id

import (
	"encoding/base64"
	"fmt"
)

// UserID is a Matrix user ID, e.g. "@alice:example.org".
type UserID string

// RoomID is a Matrix room ID, e.g. "!abc123:example.org".
type RoomID string

// DeviceID is the identifier a device chooses for itself at login.
type DeviceID string

// SessionID is the identifier of an Olm or Megolm session.
type SessionID string

// Algorithm is a value from the `m.room.encryption` / `m.room.encrypted`
// `algorithm` field.
type Algorithm string

const (
	AlgorithmOlmV1         Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1      Algorithm = "m.megolm.v1.aes-sha2"
	AlgorithmMegolmBackup  Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// KeyAlgorithm is the algorithm part of a device key ID, e.g. "curve25519"
// in "curve25519:DEVICEID".
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
	KeyAlgorithmSigned     KeyAlgorithm = "signed_curve25519"
)

// KeyID is a full device key identifier, "<algorithm>:<device or key id>".
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, id string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, id))
}

// Curve25519 is a base64-encoded (unpadded standard) Curve25519 public key.
type Curve25519 string

// Ed25519 is a base64-encoded (unpadded standard) Ed25519 public key.
type Ed25519 string

// SenderKey is the curve25519 identity key of the device that sent an
// encrypted event; it's the same representation as Curve25519 but named
// distinctly because it shows up in m.room.encrypted/m.room_key content.
type SenderKey = Curve25519

// SignatureKeyID identifies a specific signing key within Signatures,
// scoped to the user who made the signature.
type SignatureKeyID struct {
	UserID UserID
	KeyID  KeyID
}

// Signatures is the `signatures` object attached to signed JSON:
// user ID -> key ID -> base64 signature.
type Signatures map[UserID]map[KeyID]string

func (s Signatures) Get(user UserID, keyID KeyID) (string, bool) {
	byUser, ok := s[user]
	if !ok {
		return "", false
	}
	sig, ok := byUser[keyID]
	return sig, ok
}

func (s Signatures) Set(user UserID, keyID KeyID, signature string) Signatures {
	if s == nil {
		s = make(Signatures)
	}
	if s[user] == nil {
		s[user] = make(map[KeyID]string)
	}
	s[user][keyID] = signature
	return s
}

// EncodeUnpadded base64-encodes data the way Matrix wire formats expect:
// standard alphabet, no padding.
func EncodeUnpadded(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeUnpadded decodes a value produced by EncodeUnpadded. It also
// accepts padded input since some homeserver/client implementations are
// not strict about this.
func DecodeUnpadded(s string) ([]byte, error) {
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
