// Package verification implements the device verification state
// machine (C9): SAS and QR-code flows, sharing a common
// Created → Requested → Ready → Started prefix and a cancel axis, per
// spec.md §4.9.
package verification

import (
	"time"

	"go.mau.fi/olmcore/id"
)

// State is a flow's position in the shared request axis, or one of the
// terminal states every method eventually reaches.
type State int

const (
	StateCreated State = iota
	StateRequested
	StateReady
	StateStarted
	StateDone
	StateCancelled
)

// Method is a verification method both sides have advertised support
// for.
type Method string

const (
	MethodSAS Method = "m.sas.v1"
	MethodQR  Method = "m.qr_code.scan.v1"
)

// SASSubstate tracks the SAS method's own sub-axis once a flow starts
// with MethodSAS.
type SASSubstate int

const (
	SASNone SASSubstate = iota
	SASAccepted
	SASKeyExchanged
	SASMacReceived
)

// QRRole distinguishes which side of a QR flow this machine is acting
// as, since the two sides take different state paths after Ready.
type QRRole int

const (
	QRRoleNone QRRole = iota
	QRRoleScanning
	QRRoleShowing
)

// QRSubstate tracks the QR method's sub-axis once a flow starts with
// MethodQR; which values are reachable depends on QRRole.
type QRSubstate int

const (
	QRNone QRSubstate = iota
	QRScanned
	QRReciprocated
	QRShownAndConfirmed
)

// CancelCode is one of the reason codes from spec.md §4.9; any value
// not in this list is still accepted and cancels the flow generically.
type CancelCode string

const (
	CancelUser                 CancelCode = "m.user"
	CancelTimeout              CancelCode = "m.timeout"
	CancelUnknownTransaction   CancelCode = "m.unknown_transaction"
	CancelUnknownMethod        CancelCode = "m.unknown_method"
	CancelKeyMismatch          CancelCode = "m.key_mismatch"
	CancelMismatchedSAS        CancelCode = "m.mismatched_sas"
	CancelMismatchedCommitment CancelCode = "m.mismatched_commitment"
	CancelAccepted             CancelCode = "m.accepted"
	CancelUnexpectedMessage    CancelCode = "m.unexpected_message"
)

// CancelInfo records why and by whom a flow was cancelled.
type CancelInfo struct {
	Code  CancelCode
	ByUs  bool
	Human string
}

// TranscriptEvent is one verification event, kept in receipt order so
// the MAC computation at the end of a SAS flow covers exactly what was
// actually exchanged.
type TranscriptEvent struct {
	Type      string
	Content   map[string]any
	FromUs    bool
	Timestamp time.Time
}

// Flow is a single verification attempt between this device and
// another device, tracked from request through to Done or Cancelled.
type Flow struct {
	FlowID string

	OtherUser   id.UserID
	OtherDevice id.DeviceID

	OurMethods   []Method
	TheirMethods []Method

	StartedByUs bool

	// sasStartedByUs records which side sent m.key.verification.start,
	// independent of StartedByUs (who sent the initial request) — the
	// SAS HKDF info string's sender/recipient ordering is fixed by
	// whoever actually started the SAS method.
	sasStartedByUs bool

	State      State
	Method     Method
	SAS        SASSubstate
	QRRole     QRRole
	QR         QRSubstate
	CancelInfo *CancelInfo

	Transcript []TranscriptEvent

	// ourEphemeral/ourEphemeralPrivate and theirKey hold the ephemeral
	// ECDH material once a SAS flow reaches Started; sharedSecret is
	// filled in on KeyExchanged.
	ourEphemeral        [32]byte
	ourEphemeralPrivate [32]byte
	ourEphemeralSet     bool
	theirKey            [32]byte
	sharedSecret        []byte
	commitment          string
	ourMAC              map[id.KeyID]string

	// qrSharedSecret is the random secret embedded in a shown QR code,
	// used to verify the scanning side's m.reciprocate.v1 response.
	qrSharedSecret []byte
}

// IsTerminal reports whether the flow can no longer transition.
func (f *Flow) IsTerminal() bool {
	return f.State == StateDone || f.State == StateCancelled
}

// record appends an event to the transcript, in receipt order.
func (f *Flow) record(eventType string, content map[string]any, fromUs bool) {
	f.Transcript = append(f.Transcript, TranscriptEvent{Type: eventType, Content: content, FromUs: fromUs})
}

// cancel transitions the flow to Cancelled. Cancellation is terminal:
// callers must check IsTerminal before processing any further event
// for this flow, per §4.9's ordering rule.
func (f *Flow) cancel(code CancelCode, byUs bool) {
	f.State = StateCancelled
	f.CancelInfo = &CancelInfo{Code: code, ByUs: byUs}
}
