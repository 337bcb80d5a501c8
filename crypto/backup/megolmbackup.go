// Package backup implements the server-side key backup engine (C8):
// activating a backup public key, encrypting batches of inbound group
// sessions under it, producing upload requests, marking sessions
// backed-up, and importing a recovery key to restore from someone
// else's backup.
package backup

import (
	"go.mau.fi/olmcore/id"
)

// MegolmAuthData is the auth_data of a key backup created with the
// m.megolm_backup.v1.curve25519-aes-sha2 algorithm: the backup's public
// key plus whatever signatures vouch for it.
type MegolmAuthData struct {
	PublicKey  id.Curve25519 `json:"public_key"`
	Signatures id.Signatures `json:"signatures"`
}

// MegolmSessionData is the decrypted session_data of a single backed-up
// session: an exported room key plus its provenance, in the shape the
// Matrix client-server API defines for m.megolm_backup.v1.curve25519-aes-sha2.
type MegolmSessionData struct {
	Algorithm          id.Algorithm               `json:"algorithm"`
	ForwardingKeyChain []string                   `json:"forwarding_curve25519_key_chain"`
	SenderClaimedKeys  map[id.KeyAlgorithm]string `json:"sender_claimed_keys"`
	SenderKey          id.SenderKey               `json:"sender_key"`
	SessionKey         []byte                     `json:"session_key"`
}
