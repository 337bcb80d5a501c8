package backup

import (
	"encoding/json"
	"errors"
	"strings"

	"go.mau.fi/olmcore/crypto"
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

var (
	errNoPrivateKey        = errors.New("backup: no private key set for this backup")
	errMalformedSessionKey = errors.New("backup: malformed exported session key")
	errSessionIDMismatch   = errors.New("backup: decrypted session id does not match the requested entry")

	// ErrRecoveryKeyMismatch is returned when a decoded recovery key's
	// public half doesn't match the currently active backup version.
	ErrRecoveryKeyMismatch = errors.New("backup: recovery key does not match the active backup")
)

func marshalSessionData(data MegolmSessionData) ([]byte, error) {
	return json.Marshal(data)
}

func unmarshalSessionData(raw []byte) (MegolmSessionData, error) {
	var data MegolmSessionData
	err := json.Unmarshal(raw, &data)
	return data, err
}

// signedBackupAuthDataBody is the canonical JSON body a backup's
// auth_data signature covers: everything except the signatures field
// itself, matching how Matrix signs JSON objects generally.
func signedBackupAuthDataBody(authData MegolmAuthData) ([]byte, error) {
	return crypto.CanonicalJSON(map[string]any{"public_key": string(authData.PublicKey)})
}

func verifyEd25519Signature(key id.Ed25519, body []byte, signatureBase64 string) bool {
	pub, err := id.DecodeUnpadded(string(key))
	if err != nil {
		return false
	}
	sig, err := id.DecodeUnpadded(signatureBase64)
	if err != nil {
		return false
	}
	return gcrypto.Ed25519Verify(pub, body, sig)
}

// keyIDDevicePart extracts the device id suffix from a "ed25519:DEVICEID"
// style key id.
func keyIDDevicePart(keyID id.KeyID) string {
	_, device, found := strings.Cut(string(keyID), ":")
	if !found {
		return string(keyID)
	}
	return device
}
