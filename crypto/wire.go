package crypto

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"go.mau.fi/olmcore/crypto/goolm/megolm"
	"go.mau.fi/olmcore/crypto/goolm/olm"
	"go.mau.fi/olmcore/id"
)

// unmarshalJSON parses a decrypted event's plaintext into a generic
// payload map. Kept separate from CanonicalJSON, which only serializes.
func unmarshalJSON(data []byte, v *map[string]any) error {
	return json.Unmarshal(data, v)
}

func gobEncodeToBase64(v any) (string, error) {
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return "", err
	}
	return id.EncodeUnpadded(buf.Bytes()), nil
}

func gobDecodeFromBase64(s string, v any) error {
	raw, err := id.DecodeUnpadded(s)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}

// EncodeMegolmMessage serializes a Megolm ciphertext for the
// m.room.encrypted "ciphertext" field.
func EncodeMegolmMessage(msg megolm.Message) (string, error) {
	return gobEncodeToBase64(msg)
}

// DecodeMegolmMessage reverses EncodeMegolmMessage.
func DecodeMegolmMessage(s string) (megolm.Message, error) {
	var msg megolm.Message
	err := gobDecodeFromBase64(s, &msg)
	return msg, err
}

// DecodePreKeyMessage decodes the "body" of a type-0 to-device
// ciphertext, as produced by EncodeOlmMessage.
func DecodePreKeyMessage(body string) (olm.PreKeyMessage, error) {
	result, err := DecodeOlmMessage(body)
	if err != nil {
		return olm.PreKeyMessage{}, err
	}
	if result.PreKey == nil {
		return olm.PreKeyMessage{}, ErrUnexpectedMessage
	}
	return *result.PreKey, nil
}

// DecodeNormalMessage decodes the "body" of a type-1 to-device
// ciphertext, as produced by EncodeOlmMessage.
func DecodeNormalMessage(body string) (olm.NormalMessage, error) {
	result, err := DecodeOlmMessage(body)
	if err != nil {
		return olm.NormalMessage{}, err
	}
	if result.Normal == nil {
		return olm.NormalMessage{}, ErrUnexpectedMessage
	}
	return *result.Normal, nil
}

// DecodeSessionKey decodes the "session_key" field of an m.room_key
// payload into the ratchet primitive's signed export type.
func DecodeSessionKey(s string) (megolm.SessionKey, error) {
	var sk megolm.SessionKey
	err := gobDecodeFromBase64(s, &sk)
	return sk, err
}

// EncodeSessionKey is the inverse of DecodeSessionKey, used when
// assembling an m.room_key payload to send.
func EncodeSessionKey(sk megolm.SessionKey) (string, error) {
	return gobEncodeToBase64(sk)
}

// DecodeExportedSessionKey decodes the "session_key" field of an
// m.forwarded_room_key payload into the ratchet primitive's unsigned
// export type.
func DecodeExportedSessionKey(s string) (megolm.ExportedSessionKey, error) {
	var ek megolm.ExportedSessionKey
	err := gobDecodeFromBase64(s, &ek)
	return ek, err
}

// EncodeExportedSessionKey is the inverse of DecodeExportedSessionKey.
func EncodeExportedSessionKey(ek megolm.ExportedSessionKey) (string, error) {
	return gobEncodeToBase64(ek)
}
