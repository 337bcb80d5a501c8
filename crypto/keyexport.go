package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// keyExportPBKDF2Iterations matches matrix-sdk-crypto's file_encryption
// default: enough rounds to make offline passphrase guessing slow
// without making every export/import call noticeably block.
const keyExportPBKDF2Iterations = 500000

const (
	keyExportHeader  = "-----BEGIN MEGOLM SESSION DATA-----"
	keyExportFooter  = "-----END MEGOLM SESSION DATA-----"
	keyExportVersion = byte(1)
)

var (
	ErrKeyExportBadHeader = errors.New("crypto: not a megolm session export")
	ErrKeyExportBadMAC    = errors.New("crypto: key export MAC mismatch (wrong passphrase or corrupt file)")
	ErrKeyExportVersion   = errors.New("crypto: unsupported key export version")
)

// RoomKeyExportEntry is a single session's record in an exported key
// file: the backed-up session plus the room and provenance fields a
// client needs to reconstruct an InboundGroupSession, in the shape the
// Matrix client-server API already defines for key backup session_data
// (shared here rather than invented separately, since both are "the
// same exported room key" at different rest points).
type RoomKeyExportEntry struct {
	Algorithm                    id.Algorithm               `json:"algorithm"`
	RoomID                       id.RoomID                  `json:"room_id"`
	SenderKey                    id.Curve25519              `json:"sender_key"`
	SessionID                    id.SessionID               `json:"session_id"`
	SessionKey                   string                     `json:"session_key"`
	SenderClaimedKeys            map[id.KeyAlgorithm]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []id.Curve25519            `json:"forwarding_curve25519_key_chain"`
}

// ExportRoomKeysEntries converts a set of inbound sessions into the
// plaintext entries an exported key file holds. Sessions are exported
// at FirstKnownIndex, same as a backup upload, so the importer can
// decrypt everything the exporter itself could.
func ExportRoomKeysEntries(sessions []*InboundGroupSession) ([]RoomKeyExportEntry, error) {
	entries := make([]RoomKeyExportEntry, 0, len(sessions))
	for _, s := range sessions {
		exported, err := s.ExportForForwardingOrBackup()
		if err != nil {
			return nil, fmt.Errorf("exporting session %s: %w", s.SessionID(), err)
		}
		sessionKey, err := EncodeExportedSessionKey(exported)
		if err != nil {
			return nil, err
		}
		entries = append(entries, RoomKeyExportEntry{
			Algorithm:                    id.AlgorithmMegolmV1,
			RoomID:                       s.RoomID,
			SenderKey:                    s.SenderKey,
			SessionID:                    s.SessionID(),
			SessionKey:                   sessionKey,
			SenderClaimedKeys:            map[id.KeyAlgorithm]string{id.KeyAlgorithmEd25519: string(s.ClaimedEd25519)},
			ForwardingCurve25519KeyChain: s.ForwardingChain,
		})
	}
	return entries, nil
}

// ImportRoomKeysEntries reverses ExportRoomKeysEntries, reconstructing
// sessions an importer can hand to InboundGroupStore.Save. Every
// imported session is marked Imported, same as a forwarded or
// backup-restored one: its provenance came from whoever wrote the
// export file, not directly from the originating device.
func ImportRoomKeysEntries(entries []RoomKeyExportEntry) ([]*InboundGroupSession, error) {
	sessions := make([]*InboundGroupSession, 0, len(entries))
	for _, e := range entries {
		exported, err := DecodeExportedSessionKey(e.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", e.SessionID, err)
		}
		claimedEd25519 := id.Ed25519(e.SenderClaimedKeys[id.KeyAlgorithmEd25519])
		session, err := NewInboundGroupSessionFromForward(e.RoomID, e.SenderKey, claimedEd25519, e.ForwardingCurve25519KeyChain, exported)
		if err != nil {
			return nil, fmt.Errorf("importing session %s: %w", e.SessionID, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// EncryptKeyExport serializes entries to JSON and wraps them in the
// armoured "MEGOLM SESSION DATA" export format: a PBKDF2-SHA512
// passphrase-derived AES-256-CTR key encrypts the JSON body, and an
// HMAC-SHA256 over everything but itself authenticates the whole blob.
// The binary layout (before base64) is:
//
//	1 byte version | 16 byte salt | 16 byte IV | 4 byte iteration count (BE) | ciphertext | 32 byte MAC
func EncryptKeyExport(entries []RoomKeyExportEntry, passphrase string) (string, error) {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, keyExportPBKDF2Iterations, 64, sha512.New)
	aesKey, hmacKey := derived[:32], derived[32:]

	ciphertext, err := gcrypto.AESCTR(aesKey, iv, plaintext)
	if err != nil {
		return "", err
	}

	body := new(bytes.Buffer)
	body.WriteByte(keyExportVersion)
	body.Write(salt)
	body.Write(iv)
	binary.Write(body, binary.BigEndian, uint32(keyExportPBKDF2Iterations))
	body.Write(ciphertext)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(body.Bytes())
	body.Write(mac.Sum(nil))

	encoded := id.EncodeUnpadded(body.Bytes())
	return wrapKeyExportArmour(encoded), nil
}

// DecryptKeyExport reverses EncryptKeyExport, verifying the MAC before
// decrypting so a wrong passphrase or a corrupted file is reported as
// ErrKeyExportBadMAC rather than producing garbage JSON.
func DecryptKeyExport(armoured string, passphrase string) ([]RoomKeyExportEntry, error) {
	encoded, err := unwrapKeyExportArmour(armoured)
	if err != nil {
		return nil, err
	}
	raw, err := id.DecodeUnpadded(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1+16+16+4+32 {
		return nil, ErrKeyExportBadHeader
	}
	if raw[0] != keyExportVersion {
		return nil, ErrKeyExportVersion
	}
	salt := raw[1:17]
	iv := raw[17:33]
	iterations := binary.BigEndian.Uint32(raw[33:37])
	ciphertext := raw[37 : len(raw)-32]
	wantMAC := raw[len(raw)-32:]

	derived := pbkdf2.Key([]byte(passphrase), salt, int(iterations), 64, sha512.New)
	aesKey, hmacKey := derived[:32], derived[32:]

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(raw[:len(raw)-32])
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, ErrKeyExportBadMAC
	}

	plaintext, err := gcrypto.AESCTR(aesKey, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	var entries []RoomKeyExportEntry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func wrapKeyExportArmour(encoded string) string {
	var b strings.Builder
	b.WriteString(keyExportHeader)
	b.WriteByte('\n')
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteByte('\n')
	}
	b.WriteString(keyExportFooter)
	return b.String()
}

func unwrapKeyExportArmour(armoured string) (string, error) {
	armoured = strings.TrimSpace(armoured)
	if !strings.HasPrefix(armoured, keyExportHeader) || !strings.HasSuffix(armoured, keyExportFooter) {
		return "", ErrKeyExportBadHeader
	}
	body := strings.TrimPrefix(armoured, keyExportHeader)
	body = strings.TrimSuffix(body, keyExportFooter)
	return strings.Join(strings.Fields(body), ""), nil
}
