// Package contentscanner implements the C10 content-scanner client:
// fetching the scanner's public key, building PK-encrypted scan and
// download requests for a Matrix EncryptedFile, and interpreting the
// scanner's response into a cached ScanState, per spec.md §4.10.
package contentscanner

// JSONWebKey is the key object inside a Matrix EncryptedFile, as
// produced by the media uploader (RFC 7517, restricted to the fields
// Matrix actually uses).
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	K      string   `json:"k"`
	Ext    bool     `json:"ext"`
}

// EncryptedFile is the Matrix `m.room.message` EncryptedFile object:
// an AES-256-CTR key and IV plus a SHA-256 hash of the ciphertext,
// alongside the mxc:// URL the ciphertext lives at.
type EncryptedFile struct {
	URL    string            `json:"url"`
	Key    JSONWebKey        `json:"key"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	V      string            `json:"v"`
}

// encryptedFileDTO wraps an EncryptedFile the way the scanner expects
// it serialized before PK-encryption: {"file": {...}}.
type encryptedFileDTO struct {
	File EncryptedFile `json:"file"`
}

// EncryptedMetadata is the PK-encrypted envelope around the serialized
// encryptedFileDTO: an ECDH-derived AES-CTR ciphertext, its HMAC, and
// the ephemeral public key the recipient needs to reconstruct the
// shared secret. Every field is base64-standard, no padding.
type EncryptedMetadata struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

// ScanRequest is the body of both scan_encrypted and download_encrypted
// requests, returned by Client.BuildScanRequest.
type ScanRequest struct {
	EncryptedBody EncryptedMetadata `json:"encrypted_body"`
}

// publicKeyResponse is the body of a successful /public_key response.
type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// scanResponseBody is the body of a scan_encrypted response, on either
// a 200 (clean populated) or a 403 (reason populated) status.
type scanResponseBody struct {
	Clean  *bool  `json:"clean,omitempty"`
	Reason string `json:"reason,omitempty"`
	Info   string `json:"info,omitempty"`
}

// Forbidden reason codes from the content-scanner API
// (element-hq/matrix-content-scanner-python's docs/api.md).
const (
	reasonMediaNotClean     = "MCS_MEDIA_NOT_CLEAN"
	reasonMimeTypeForbidden = "MCS_MIME_TYPE_FORBIDDEN"
	reasonBadDecryption     = "MCS_BAD_DECRYPTION"
)
