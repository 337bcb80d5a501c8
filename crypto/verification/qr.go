package verification

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// QRMode selects which pair of keys a shown QR code proves, per
// spec.md §4.9: verifying one's own other device, or cross-verifying
// another user.
type QRMode int

const (
	// QRModeOwnDevice proves (our master cross-signing key, the other
	// device's device key) — used when verifying one's own new device.
	QRModeOwnDevice QRMode = iota
	// QRModeCrossUser proves (our device key, the other user's master
	// cross-signing key) — used when verifying another user.
	QRModeCrossUser
)

// ErrMalformedQRPayload is returned by ParseQRPayload when the scanned
// string doesn't match the "MATRIX" text-QR format.
var ErrMalformedQRPayload = errors.New("verification: malformed QR payload")

// qrPrefix is the fixed text prefix every Matrix verification QR code
// payload starts with, ahead of the binary-ish fields.
const qrPrefix = "MATRIX"

// QRPayload is the decoded content of a verification QR code:
// { mode, flow_id, first_key, second_key, shared_secret }.
type QRPayload struct {
	Mode         QRMode
	FlowID       string
	FirstKey     string
	SecondKey    string
	SharedSecret []byte
}

// NewQRSharedSecret generates a fresh random secret for a freshly
// shown QR code; the scanning side must echo proof of knowledge of it
// in its m.reciprocate.v1 response.
func NewQRSharedSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// EncodeQRPayload renders a QRPayload into the textual form actually
// embedded in the QR code image.
func EncodeQRPayload(p QRPayload) string {
	return strings.Join([]string{
		qrPrefix,
		p.FlowID,
		fmt.Sprint(int(p.Mode)),
		p.FirstKey,
		p.SecondKey,
		base64.RawStdEncoding.EncodeToString(p.SharedSecret),
	}, "|")
}

// ParseQRPayload decodes a scanned QR payload string back into its
// fields.
func ParseQRPayload(raw string) (QRPayload, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 6 || parts[0] != qrPrefix {
		return QRPayload{}, ErrMalformedQRPayload
	}
	var mode QRMode
	if _, err := fmt.Sscanf(parts[2], "%d", &mode); err != nil {
		return QRPayload{}, ErrMalformedQRPayload
	}
	secret, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return QRPayload{}, ErrMalformedQRPayload
	}
	return QRPayload{
		Mode:         mode,
		FlowID:       parts[1],
		FirstKey:     parts[3],
		SecondKey:    parts[4],
		SharedSecret: secret,
	}, nil
}

// GenerateQRCode renders a QRPayload to a PNG image of the given pixel
// size, for display in m.key.verification.start + m.qr_code.show.v1.
func GenerateQRCode(p QRPayload, size int) ([]byte, error) {
	return qrcode.Encode(EncodeQRPayload(p), qrcode.Medium, size)
}

// qrReciprocateProof is the proof embedded in m.reciprocate.v1,
// demonstrating the scanning side read the shared secret out of the
// QR code rather than guessing it.
func qrReciprocateProof(sharedSecret []byte, scannedBy id.DeviceID) string {
	mac := gcrypto.HMACSHA256(sharedSecret, []byte(scannedBy))
	return base64.RawStdEncoding.EncodeToString(mac)
}
