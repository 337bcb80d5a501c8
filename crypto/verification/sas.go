package verification

import (
	"encoding/base64"
	"io"
	"sort"
	"strings"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// sasInfo builds the HKDF info string for SAS byte derivation, exactly
// as spec.md §4.9 names it: the method name followed by the four
// participant identifiers and the flow id, sender-then-recipient.
func sasInfo(senderUser id.UserID, senderDevice id.DeviceID, recipientUser id.UserID, recipientDevice id.DeviceID, flowID string) []byte {
	var b strings.Builder
	b.WriteString("MATRIX_KEY_VERIFICATION_SAS")
	b.WriteString(string(senderUser))
	b.WriteString(string(senderDevice))
	b.WriteString(string(recipientUser))
	b.WriteString(string(recipientDevice))
	b.WriteString(flowID)
	return []byte(b.String())
}

// macInfo builds the HKDF info string for the final key-MAC step: the
// method name, the same four participant identifiers, and the flow id.
func macInfo(senderUser id.UserID, senderDevice id.DeviceID, recipientUser id.UserID, recipientDevice id.DeviceID, flowID string) []byte {
	var b strings.Builder
	b.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	b.WriteString(string(senderUser))
	b.WriteString(string(senderDevice))
	b.WriteString(string(recipientUser))
	b.WriteString(string(recipientDevice))
	b.WriteString(flowID)
	return []byte(b.String())
}

// DeriveSAS computes the 6-byte SAS value from the ECDH shared secret,
// keyed on the four participant ids and the flow id as spec.md §4.9
// requires. The caller decides emoji-vs-decimal presentation.
func DeriveSAS(sharedSecret []byte, senderUser id.UserID, senderDevice id.DeviceID, recipientUser id.UserID, recipientDevice id.DeviceID, flowID string) ([]byte, error) {
	reader := gcrypto.HKDFSHA256(sharedSecret, nil, sasInfo(senderUser, senderDevice, recipientUser, recipientDevice, flowID))
	out := make([]byte, 6)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveMACKey derives the per-key-id MAC key used to authenticate one
// device or cross-signing key during the MacReceived step.
func deriveMACKey(sharedSecret []byte, senderUser id.UserID, senderDevice id.DeviceID, recipientUser id.UserID, recipientDevice id.DeviceID, flowID string) ([]byte, error) {
	reader := gcrypto.HKDFSHA256(sharedSecret, nil, macInfo(senderUser, senderDevice, recipientUser, recipientDevice, flowID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// computeKeyMACs produces a MAC over each of keysByID, plus a combined
// MAC over the sorted, comma-joined list of key ids, per spec.md
// §4.9's MacReceived step. The returned map includes both the
// per-key MACs (keyed by their own key id) and the combined MAC under
// the key id "KEY_IDS".
func computeKeyMACs(macKey []byte, keysByID map[id.KeyID]string) map[id.KeyID]string {
	ids := make([]string, 0, len(keysByID))
	for keyID := range keysByID {
		ids = append(ids, string(keyID))
	}
	sort.Strings(ids)

	out := make(map[id.KeyID]string, len(keysByID)+1)
	for _, keyIDStr := range ids {
		keyID := id.KeyID(keyIDStr)
		mac := gcrypto.HMACSHA256(macKey, []byte(keysByID[keyID]))
		out[keyID] = base64.RawStdEncoding.EncodeToString(mac)
	}
	combined := gcrypto.HMACSHA256(macKey, []byte(strings.Join(ids, ",")))
	out["KEY_IDS"] = base64.RawStdEncoding.EncodeToString(combined)
	return out
}

// verifyKeyMACs re-derives the same MACs and compares them against
// what the other side sent, returning false on any mismatch
// (including a missing or altered combined KEY_IDS MAC).
func verifyKeyMACs(macKey []byte, keysByID map[id.KeyID]string, theirMACs map[id.KeyID]string) bool {
	expected := computeKeyMACs(macKey, keysByID)
	if len(expected) != len(theirMACs) {
		return false
	}
	for keyID, mac := range expected {
		if theirMACs[keyID] != mac {
			return false
		}
	}
	return true
}

// commitmentHash binds the accepter's chosen method/hash/MAC/key-agreement
// parameters plus their ephemeral public key, so a later mismatch
// between the committed and the revealed start content cancels the
// flow with m.mismatched_commitment.
func commitmentHash(ephemeralPublicKeyBase64 string, startContentCanonicalJSON []byte) string {
	sum := gcrypto.SHA256(append([]byte(ephemeralPublicKeyBase64), startContentCanonicalJSON...))
	return base64.RawStdEncoding.EncodeToString(sum)
}
