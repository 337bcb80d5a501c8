// Package verification implements the device-verification state
// machine described above (C9): SAS and QR-code flows, keyed by a
// flow id, each moving through a shared request axis before
// diverging into the method-specific substates.
package verification

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.mau.fi/olmcore/crypto"
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// KeyResolver looks up the keys a Machine needs to authenticate a
// verification flow's MAC step and to build the signature-upload
// request a completed flow emits.
type KeyResolver interface {
	DeviceEd25519(user id.UserID, device id.DeviceID) (id.Ed25519, bool)
	OwnCrossSigningKeys() (master id.Ed25519, ok bool)
}

// Machine manages every in-flight verification flow for one device.
// It implements crypto.VerificationHook so OlmMachine can drain its
// pending to-device traffic without importing this package.
type Machine struct {
	account  *crypto.Account
	resolver KeyResolver
	log      zerolog.Logger

	mu      sync.Mutex
	flows   map[string]*Flow
	pending []crypto.OutgoingRequest
}

// NewMachine creates a verification machine bound to an account and a
// key resolver the caller wires to its device-list/cross-signing
// store.
func NewMachine(account *crypto.Account, resolver KeyResolver, log zerolog.Logger) *Machine {
	return &Machine{
		account:  account,
		resolver: resolver,
		log:      log,
		flows:    make(map[string]*Flow),
	}
}

// Flow returns the in-flight flow for a flow id, if any.
func (m *Machine) Flow(flowID string) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	return f, ok
}

// queue appends a to-device request for PendingRequests to return.
func (m *Machine) queue(eventType string, user id.UserID, device id.DeviceID, content map[string]any) {
	m.pending = append(m.pending, crypto.OutgoingRequest{
		ID:   uuid.NewString(),
		Type: crypto.RequestTypeToDevice,
		ToDevice: &crypto.ToDeviceRequest{
			EventType: eventType,
			Messages: map[id.UserID]map[id.DeviceID]map[string]any{
				user: {device: content},
			},
		},
	})
}

// PendingRequests drains and returns every to-device request queued by
// flow transitions since the last call.
func (m *Machine) PendingRequests() []crypto.OutgoingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// StartRequest begins a new flow we're initiating, advancing
// Created → Requested and queuing the m.key.verification.request
// event.
func (m *Machine) StartRequest(otherUser id.UserID, otherDevice id.DeviceID, methods []Method) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	flowID := uuid.NewString()
	f := &Flow{
		FlowID:      flowID,
		OtherUser:   otherUser,
		OtherDevice: otherDevice,
		OurMethods:  methods,
		StartedByUs: true,
		State:       StateRequested,
	}
	m.flows[flowID] = f

	methodStrings := make([]string, len(methods))
	for i, meth := range methods {
		methodStrings[i] = string(meth)
	}
	content := map[string]any{
		"from_device":    string(m.account.DeviceID),
		"methods":        methodStrings,
		"transaction_id": flowID,
	}
	f.record("m.key.verification.request", content, true)
	m.queue("m.key.verification.request", otherUser, otherDevice, content)
	return f
}

// ReceiveRequest installs a flow for an incoming
// m.key.verification.request, Created → Requested.
func (m *Machine) ReceiveRequest(flowID string, fromUser id.UserID, fromDevice id.DeviceID, methods []string) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	theirMethods := make([]Method, len(methods))
	for i, meth := range methods {
		theirMethods[i] = Method(meth)
	}
	f := &Flow{
		FlowID:       flowID,
		OtherUser:    fromUser,
		OtherDevice:  fromDevice,
		TheirMethods: theirMethods,
		State:        StateRequested,
	}
	f.record("m.key.verification.request", nil, false)
	m.flows[flowID] = f
	return f
}

// Ready accepts a pending request, advancing Requested → Ready with
// the intersecting method set (spec.md §4.9).
func (m *Machine) Ready(flowID string, ourMethods []Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateRequested {
		return m.rejectUnexpected(f)
	}
	f.OurMethods = ourMethods
	f.State = StateReady

	methodStrings := make([]string, len(ourMethods))
	for i, meth := range ourMethods {
		methodStrings[i] = string(meth)
	}
	content := map[string]any{"methods": methodStrings, "transaction_id": flowID}
	f.record("m.key.verification.ready", content, true)
	m.queue("m.key.verification.ready", f.OtherUser, f.OtherDevice, content)
	return nil
}

// ReceiveReady applies a remote m.key.verification.ready to the flow
// we originally requested, Requested → Ready, recording the methods
// the other side is willing to use.
func (m *Machine) ReceiveReady(flowID string, theirMethods []Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateRequested {
		return m.rejectUnexpected(f)
	}
	f.TheirMethods = theirMethods
	f.State = StateReady
	return nil
}

// Cancel cancels a flow locally and notifies the other side.
func (m *Machine) Cancel(flowID string, code CancelCode, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok || f.IsTerminal() {
		return
	}
	f.cancel(code, true)
	content := map[string]any{"code": string(code), "reason": reason, "transaction_id": flowID}
	m.queue("m.key.verification.cancel", f.OtherUser, f.OtherDevice, content)
}

// ReceiveCancel applies a remote cancellation. Cancellation is
// terminal: no further event for this flow is processed afterward.
func (m *Machine) ReceiveCancel(flowID string, code CancelCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok || f.IsTerminal() {
		return
	}
	f.cancel(code, false)
}

// StartSAS begins the SAS method from Ready, Ready → Started(sas).
func (m *Machine) StartSAS(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateReady {
		return m.rejectUnexpected(f)
	}
	f.State = StateStarted
	f.Method = MethodSAS
	f.SAS = SASNone
	f.sasStartedByUs = true

	content := map[string]any{
		"method":                        string(MethodSAS),
		"key_agreement_protocols":       []string{"curve25519-hkdf-sha256"},
		"hashes":                        []string{"sha256"},
		"message_authentication_codes":  []string{"hkdf-hmac-sha256.v2"},
		"short_authentication_string":   []string{"decimal", "emoji"},
		"transaction_id":                flowID,
	}
	f.record("m.key.verification.start", content, true)
	m.queue("m.key.verification.start", f.OtherUser, f.OtherDevice, content)
	return nil
}

// ReceiveSASStart installs the SAS method on a Ready flow in response
// to a remote m.key.verification.start, Ready → Started(sas).
func (m *Machine) ReceiveSASStart(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateReady {
		return m.rejectUnexpected(f)
	}
	f.State = StateStarted
	f.Method = MethodSAS
	f.SAS = SASNone
	f.sasStartedByUs = false
	return nil
}

// sasParticipants returns the (sender, recipient) identity pairs the
// HKDF info strings use, fixed by whichever side actually sent
// m.key.verification.start so both sides derive the same bytes.
func (f *Flow) sasParticipants(ourUser id.UserID, ourDevice id.DeviceID) (senderUser id.UserID, senderDevice id.DeviceID, recipientUser id.UserID, recipientDevice id.DeviceID) {
	if f.sasStartedByUs {
		return ourUser, ourDevice, f.OtherUser, f.OtherDevice
	}
	return f.OtherUser, f.OtherDevice, ourUser, ourDevice
}

// AcceptSAS moves Started → Accepted: both sides have fixed the
// hash/MAC/SAS/key-agreement methods, committed to by the accepter's
// hash of its chosen ephemeral public key plus the start content.
func (m *Machine) AcceptSAS(flowID string, startContentCanonicalJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateStarted || f.Method != MethodSAS || f.SAS != SASNone {
		return m.rejectUnexpected(f)
	}

	pair, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return err
	}
	f.ourEphemeral = pair.PublicKey
	f.ourEphemeralPrivate = pair.PrivateKey
	f.ourEphemeralSet = true
	ephemeralB64 := id.EncodeUnpadded(pair.PublicKey[:])
	f.commitment = commitmentHash(ephemeralB64, startContentCanonicalJSON)
	f.SAS = SASAccepted

	content := map[string]any{"commitment": f.commitment, "transaction_id": flowID}
	f.record("m.key.verification.accept", content, true)
	m.queue("m.key.verification.accept", f.OtherUser, f.OtherDevice, content)

	keyContent := map[string]any{"key": ephemeralB64, "transaction_id": flowID}
	f.record("m.key.verification.key", keyContent, true)
	m.queue("m.key.verification.key", f.OtherUser, f.OtherDevice, keyContent)
	return nil
}

// ReceiveAccept applies the accepter's m.key.verification.accept on
// the side that sent m.key.verification.start: it generates our own
// ephemeral key and sends it, so both sides reach KeyExchanged once
// each has received the other's m.key.verification.key.
func (m *Machine) ReceiveAccept(flowID string, theirCommitment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateStarted || f.Method != MethodSAS || f.SAS != SASNone {
		return m.rejectUnexpected(f)
	}

	pair, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return err
	}
	f.ourEphemeral = pair.PublicKey
	f.ourEphemeralPrivate = pair.PrivateKey
	f.ourEphemeralSet = true
	f.commitment = theirCommitment
	f.SAS = SASAccepted

	ephemeralB64 := id.EncodeUnpadded(pair.PublicKey[:])
	keyContent := map[string]any{"key": ephemeralB64, "transaction_id": flowID}
	f.record("m.key.verification.key", keyContent, true)
	m.queue("m.key.verification.key", f.OtherUser, f.OtherDevice, keyContent)
	return nil
}

// ExchangeKeys moves Accepted → KeyExchanged once both ephemeral
// curve25519 keys are known, deriving the shared secret and the SAS
// bytes. It returns the 6-byte SAS value; presentation to the user
// must only occur after this call succeeds. On the side that sent
// m.key.verification.start, the accepter's commitment is first checked
// against its revealed key and our start content; a mismatch cancels
// the flow with CancelMismatchedCommitment.
func (m *Machine) ExchangeKeys(flowID string, theirEphemeralKey [32]byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return nil, errUnknownFlow
	}
	if f.IsTerminal() {
		return nil, nil
	}
	if f.State != StateStarted || f.Method != MethodSAS || f.SAS != SASAccepted || !f.ourEphemeralSet {
		f.cancel(CancelUnexpectedMessage, true)
		return nil, errUnexpectedMessage
	}
	if f.sasStartedByUs {
		var startContent map[string]any
		for _, ev := range f.Transcript {
			if ev.Type == "m.key.verification.start" && ev.FromUs {
				startContent = ev.Content
			}
		}
		startJSON, err := crypto.CanonicalJSON(startContent)
		if err != nil || commitmentHash(id.EncodeUnpadded(theirEphemeralKey[:]), startJSON) != f.commitment {
			f.cancel(CancelMismatchedCommitment, true)
			return nil, errUnexpectedMessage
		}
	}

	secret, err := gcrypto.Curve25519SharedSecret(f.ourEphemeralPrivate, theirEphemeralKey)
	if err != nil {
		return nil, err
	}
	f.theirKey = theirEphemeralKey
	f.sharedSecret = secret
	f.SAS = SASKeyExchanged

	senderUser, senderDevice, recipientUser, recipientDevice := f.sasParticipants(m.account.UserID, m.account.DeviceID)
	sas, err := DeriveSAS(f.sharedSecret, senderUser, senderDevice, recipientUser, recipientDevice, flowID)
	if err != nil {
		return nil, err
	}
	return sas, nil
}

// SendMAC computes the MAC over our own identity key (and master
// cross-signing key, if any) and queues our m.key.verification.mac
// message. It may be called once KeyExchanged is reached; it does not
// by itself advance the substate — that happens when the other side's
// MAC is verified in ReceiveMAC (or immediately, for the side that
// receives the other's MAC after already sending its own).
func (m *Machine) SendMAC(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateStarted || f.Method != MethodSAS || f.SAS != SASKeyExchanged {
		return m.rejectUnexpected(f)
	}

	_, ourEd25519 := m.account.IdentityKeys()
	keysByID := map[id.KeyID]string{
		id.NewKeyID(id.KeyAlgorithmEd25519, string(m.account.DeviceID)): string(ourEd25519),
	}
	if master, ok := m.resolver.OwnCrossSigningKeys(); ok {
		keysByID[id.NewKeyID(id.KeyAlgorithmEd25519, "master")] = string(master)
	}

	macKey, err := deriveMACKey(f.sharedSecret, m.account.UserID, m.account.DeviceID, f.OtherUser, f.OtherDevice, flowID)
	if err != nil {
		return err
	}
	macs := computeKeyMACs(macKey, keysByID)
	f.ourMAC = macs

	content := map[string]any{"mac": macs, "keys": macs["KEY_IDS"], "transaction_id": flowID}
	f.record("m.key.verification.mac", content, true)
	m.queue("m.key.verification.mac", f.OtherUser, f.OtherDevice, content)
	return nil
}

// ReceiveMAC verifies the other side's m.key.verification.mac against
// the keys it claims to own, advancing Started(sas) → MacReceived on
// success or cancelling with CancelKeyMismatch on failure.
func (m *Machine) ReceiveMAC(flowID string, theirKeysByID map[id.KeyID]string, theirMACs map[id.KeyID]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok || f.IsTerminal() {
		return false
	}
	if f.State != StateStarted || f.Method != MethodSAS || f.SAS != SASKeyExchanged {
		f.cancel(CancelUnexpectedMessage, true)
		return false
	}

	macKey, err := deriveMACKey(f.sharedSecret, f.OtherUser, f.OtherDevice, m.account.UserID, m.account.DeviceID, flowID)
	if err != nil {
		f.cancel(CancelKeyMismatch, true)
		return false
	}
	if !verifyKeyMACs(macKey, theirKeysByID, theirMACs) {
		f.cancel(CancelKeyMismatch, true)
		return false
	}
	f.SAS = SASMacReceived
	return true
}

// errUnknownFlow and errUnexpectedMessage are the two ways a caller's
// event can fail to apply.
var (
	errUnknownFlow       = flowError("verification: unknown flow id")
	errUnexpectedMessage = flowError("verification: event does not fit the flow's current state")
)

type flowError string

func (e flowError) Error() string { return string(e) }

// rejectUnexpected cancels a flow that received an event which doesn't
// fit its current state, per spec.md §4.9's ordering rule.
func (m *Machine) rejectUnexpected(f *Flow) error {
	m.log.Debug().Str("flow_id", f.FlowID).Int("state", int(f.State)).Msg("verification event rejected for current state")
	f.cancel(CancelUnexpectedMessage, true)
	return errUnexpectedMessage
}

// BeginQRShow moves Ready → Started(qr) on the showing side, generating
// a fresh shared secret and returning the payload to render as a QR
// code image.
func (m *Machine) BeginQRShow(flowID string, mode QRMode, firstKey, secondKey string) (QRPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return QRPayload{}, errUnknownFlow
	}
	if f.State != StateReady {
		f.cancel(CancelUnexpectedMessage, true)
		return QRPayload{}, errUnexpectedMessage
	}
	secret, err := NewQRSharedSecret()
	if err != nil {
		return QRPayload{}, err
	}
	f.State = StateStarted
	f.Method = MethodQR
	f.QRRole = QRRoleShowing
	f.QR = QRNone
	f.qrSharedSecret = secret

	return QRPayload{Mode: mode, FlowID: flowID, FirstKey: firstKey, SecondKey: secondKey, SharedSecret: secret}, nil
}

// ReceiveQRReciprocate verifies the scanning side's proof of having
// read the shown QR code's shared secret, moving
// Started(qr) → ShownAndConfirmed on success.
func (m *Machine) ReceiveQRReciprocate(flowID string, proof string, scannedBy id.DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok || f.IsTerminal() {
		return false
	}
	if f.State != StateStarted || f.Method != MethodQR || f.QRRole != QRRoleShowing || f.QR != QRNone {
		f.cancel(CancelUnexpectedMessage, true)
		return false
	}
	if proof != qrReciprocateProof(f.qrSharedSecret, scannedBy) {
		f.cancel(CancelKeyMismatch, true)
		return false
	}
	f.QR = QRShownAndConfirmed
	return true
}

// ScanQR moves Ready → Started(qr) on the scanning side after decoding
// a peer's shown QR payload.
func (m *Machine) ScanQR(flowID string, payload QRPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.State != StateReady {
		return m.rejectUnexpected(f)
	}
	f.State = StateStarted
	f.Method = MethodQR
	f.QRRole = QRRoleScanning
	f.QR = QRScanned
	f.qrSharedSecret = payload.SharedSecret
	return nil
}

// Reciprocate sends the scanning side's m.reciprocate.v1 proof of
// knowledge of the shared secret, moving Scanned → Reciprocated.
func (m *Machine) Reciprocate(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	if f.State != StateStarted || f.Method != MethodQR || f.QRRole != QRRoleScanning || f.QR != QRScanned {
		return m.rejectUnexpected(f)
	}
	proof := qrReciprocateProof(f.qrSharedSecret, m.account.DeviceID)
	f.QR = QRReciprocated

	content := map[string]any{"secret": proof, "transaction_id": flowID}
	f.record("m.reciprocate.v1", content, true)
	m.queue("m.reciprocate.v1", f.OtherUser, f.OtherDevice, content)
	return nil
}

// MarkDone completes a flow once the user has confirmed (SAS's
// MacReceived) or the reciprocate proof checked out (QR's
// ShownAndConfirmed/Reciprocated), and queues a signature-upload
// request cross-signing the other device's identity key — the "sign
// each other's keys" step spec.md §4.9's Done state describes.
func (m *Machine) MarkDone(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return errUnknownFlow
	}
	if f.IsTerminal() {
		return nil
	}
	switch f.Method {
	case MethodSAS:
		if f.SAS != SASMacReceived {
			f.cancel(CancelUnexpectedMessage, true)
			return errUnexpectedMessage
		}
	case MethodQR:
		if f.QRRole == QRRoleShowing && f.QR != QRShownAndConfirmed {
			f.cancel(CancelUnexpectedMessage, true)
			return errUnexpectedMessage
		}
		if f.QRRole == QRRoleScanning && f.QR != QRReciprocated {
			f.cancel(CancelUnexpectedMessage, true)
			return errUnexpectedMessage
		}
	}
	f.State = StateDone

	theirKey, ok := m.resolver.DeviceEd25519(f.OtherUser, f.OtherDevice)
	if !ok {
		return nil
	}
	sig, err := m.account.SignJSON(map[string]any{"key": string(theirKey)})
	if err != nil {
		return err
	}
	m.pending = append(m.pending, crypto.OutgoingRequest{
		ID:   uuid.NewString(),
		Type: crypto.RequestTypeSignatureUpload,
		SignatureUpload: &crypto.SignatureUploadRequest{
			Signatures: map[id.UserID]map[id.DeviceID]map[id.KeyID]string{
				f.OtherUser: {
					f.OtherDevice: {
						id.NewKeyID(id.KeyAlgorithmEd25519, string(m.account.DeviceID)): sig,
					},
				},
			},
		},
	})
	return nil
}

var _ crypto.VerificationHook = (*Machine)(nil)
