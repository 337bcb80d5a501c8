package crypto

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.mau.fi/olmcore/id"
)

// SyncChanges is the input to ReceiveSyncChanges: the subset of a sync
// response the crypto core cares about.
type SyncChanges struct {
	ToDeviceEvents     []ToDeviceEvent
	ChangedDeviceLists []id.UserID
	LeftDeviceLists    []id.UserID
	OneTimeKeyCounts   map[id.KeyAlgorithm]int
	UnusedFallbackKeys []id.KeyAlgorithm
}

// ToDeviceEvent is a single to-device event as delivered by sync, before
// its content has been interpreted.
type ToDeviceEvent struct {
	Sender  id.UserID
	Type    string
	Content map[string]any
}

// DecryptedToDeviceResult pairs a to-device event with its outcome, so a
// single malformed or undecryptable event never aborts the rest of the
// batch.
type DecryptedToDeviceResult struct {
	Event     ToDeviceEvent
	Plaintext map[string]any
	Err       error
}

// BackupHook lets the backup engine (C8) contribute an outgoing request
// without OlmMachine depending on its concrete type; satisfied by
// *backup.Machine once that package is wired in by the caller.
type BackupHook interface {
	PendingUpload() *OutgoingRequest
}

// VerificationHook lets the verification state machine (C9) contribute
// outgoing to-device traffic and signature uploads.
type VerificationHook interface {
	PendingRequests() []OutgoingRequest
}

// OlmMachine is the single entry point (C11): it owns the account, the
// Olm session registry, the inbound/outbound group session stores, the
// key-sharing scheduler, and the tracked-user/device-list bookkeeping,
// and aggregates everything into one outgoing-request queue.
type OlmMachine struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	Account     *Account
	Sessions    *SessionRegistry
	InboundGroups *InboundGroupStore
	KeySharing  *KeySharingScheduler

	Backup       BackupHook
	Verification VerificationHook

	log zerolog.Logger

	mu                sync.Mutex
	outboundByRoom    map[id.RoomID]*OutboundGroupSession
	devices           map[id.UserID]map[id.DeviceID]*DeviceIdentity
	tracked           map[id.UserID]*TrackedUser
	pendingRequests   map[string]OutgoingRequest
	pendingShareQueue []OutgoingRequest
}

// NewOlmMachine wires up a fresh orchestrator around an existing
// account. The caller is responsible for persisting everything the
// account/session/store layers mutate; OlmMachine itself holds no
// store reference, matching the ratchet-and-registry layers below it.
func NewOlmMachine(account *Account, log zerolog.Logger) *OlmMachine {
	sessions := NewSessionRegistry(account)
	return &OlmMachine{
		UserID:          account.UserID,
		DeviceID:        account.DeviceID,
		Account:         account,
		Sessions:        sessions,
		InboundGroups:   NewInboundGroupStore(),
		KeySharing:      NewKeySharingScheduler(account, sessions),
		log:             log,
		outboundByRoom:  make(map[id.RoomID]*OutboundGroupSession),
		devices:         make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		tracked:         make(map[id.UserID]*TrackedUser),
		pendingRequests: make(map[string]OutgoingRequest),
	}
}

// TrackUser ensures a user's device list is (or becomes) tracked.
func (m *OlmMachine) TrackUser(user id.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[user]; !ok {
		m.tracked[user] = &TrackedUser{UserID: user, Dirty: true}
	}
}

// Device looks up a known device's identity.
func (m *OlmMachine) Device(user id.UserID, device id.DeviceID) (*DeviceIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDevice, ok := m.devices[user]
	if !ok {
		return nil, false
	}
	d, ok := byDevice[device]
	return d, ok
}

// PutDevice records (or replaces) a device's identity, e.g. after a
// /keys/query response. A device whose curve25519 changed is treated
// as new per §4.6: the caller is expected to have already decided that
// upstream, PutDevice just stores what it's given.
func (m *OlmMachine) PutDevice(d DeviceIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[d.UserID] == nil {
		m.devices[d.UserID] = make(map[id.DeviceID]*DeviceIdentity)
	}
	cp := d
	m.devices[d.UserID][d.DeviceID] = &cp
}

// GetOrCreateOutboundSession returns the current outbound session for a
// room, creating one if none exists or the current one is expired.
func (m *OlmMachine) GetOrCreateOutboundSession(room id.RoomID, settings EncryptionSettings) (*OutboundGroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.outboundByRoom[room]
	if ok && !existing.Expired() {
		return existing, nil
	}
	fresh, err := NewOutboundGroupSession(room, settings)
	if err != nil {
		return nil, err
	}
	m.outboundByRoom[room] = fresh
	return fresh, nil
}

// ShareRoomKey runs the key-sharing scheduler (§4.7) for room's current
// outbound session against target, queuing whatever to-device and claim
// requests result so the next OutgoingRequests call returns them. Callers
// invoke this once they know who should hold the room key (e.g. after a
// membership change or before the first event in a room), independent of
// EncryptRoomEvent, since sharing and encrypting are separate steps.
func (m *OlmMachine) ShareRoomKey(room id.RoomID, target []DeviceIdentity) error {
	session, err := m.GetOrCreateOutboundSession(room, DefaultEncryptionSettings())
	if err != nil {
		return err
	}
	ourIdentity, _ := m.Account.IdentityKeys()
	result, err := m.KeySharing.ShareGroupSession(session, target, ourIdentity)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range result.ToDevice {
		m.pendingRequests[req.ID] = req
		m.pendingShareQueue = append(m.pendingShareQueue, req)
	}
	if result.Claim != nil {
		m.pendingRequests[result.Claim.ID] = *result.Claim
		m.pendingShareQueue = append(m.pendingShareQueue, *result.Claim)
	}
	return nil
}

// EncryptRoomEvent encrypts a room event's content under room's current
// outbound session. The session must already be Shared; callers share
// it first via the key-sharing scheduler.
func (m *OlmMachine) EncryptRoomEvent(room id.RoomID, content map[string]any) (map[string]any, error) {
	m.mu.Lock()
	session, ok := m.outboundByRoom[room]
	m.mu.Unlock()
	if !ok {
		return nil, ErrMissingRoomKey
	}
	if !session.Shared {
		return nil, ErrSessionNotShared
	}
	if session.Expired() {
		return nil, ErrSessionExpired
	}
	plaintext, err := CanonicalJSON(withRoomID(content, room))
	if err != nil {
		return nil, err
	}
	msg, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	ciphertext, err := EncodeMegolmMessage(msg)
	if err != nil {
		return nil, err
	}
	senderKey, _ := m.Account.IdentityKeys()
	return map[string]any{
		"algorithm":  string(id.AlgorithmMegolmV1),
		"ciphertext": ciphertext,
		"sender_key": string(senderKey),
		"session_id": string(session.SessionID()),
		"device_id":  string(m.DeviceID),
	}, nil
}

func withRoomID(content map[string]any, room id.RoomID) map[string]any {
	out := make(map[string]any, len(content)+1)
	for k, v := range content {
		out[k] = v
	}
	out["room_id"] = string(room)
	return out
}

// DecryptRoomEvent decrypts an m.room.encrypted event's content,
// enforcing the RoomMismatch check from §4.4.
func (m *OlmMachine) DecryptRoomEvent(room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, ciphertext string) (DecryptedGroupEvent, error) {
	msg, err := DecodeMegolmMessage(ciphertext)
	if err != nil {
		return DecryptedGroupEvent{}, err
	}
	event, err := m.InboundGroups.DecryptAndCheckReplay(room, senderKey, sessionID, msg)
	if err != nil {
		return DecryptedGroupEvent{}, err
	}
	var payload map[string]any
	if err := unmarshalCanonical(event.Plaintext, &payload); err != nil {
		return DecryptedGroupEvent{}, err
	}
	if payload["room_id"] != string(room) {
		return DecryptedGroupEvent{}, ErrRoomMismatch
	}
	event.Verified = m.verifiedSender(event.SenderKey, event.ClaimedEd25519, event.ForwardingChain)
	return event, nil
}

// verifiedSender decides whether a decrypted group event's session
// counts as verified. A direct session (empty forwardingChain) is
// verified exactly when the originating device is known and verified.
// A forwarded session additionally requires the first forwarder in the
// chain to be a known, verified device: an untrusted or unknown
// forwarder could have handed over a session it captured rather than
// legitimately re-shared, so the session can never be scored more
// trusted than that forwarder.
func (m *OlmMachine) verifiedSender(senderKey id.Curve25519, claimedEd25519 id.Ed25519, forwardingChain []id.Curve25519) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	originVerified := false
	for _, byDevice := range m.devices {
		for _, d := range byDevice {
			if d.Curve25519 == senderKey {
				originVerified = d.Ed25519 == claimedEd25519 && d.Verified()
			}
		}
	}
	if !originVerified {
		return false
	}
	if len(forwardingChain) == 0 {
		return true
	}
	forwarder := forwardingChain[0]
	for _, byDevice := range m.devices {
		for _, d := range byDevice {
			if d.Curve25519 == forwarder {
				return d.Verified()
			}
		}
	}
	return false
}

// ReceiveSyncChanges implements §4.11's algorithm: decrypt and route
// to-device events, apply device-list deltas, and decide on OTK
// rotation. It returns per-event decryption outcomes so a single
// malformed event never aborts the batch.
func (m *OlmMachine) ReceiveSyncChanges(changes SyncChanges) []DecryptedToDeviceResult {
	results := make([]DecryptedToDeviceResult, 0, len(changes.ToDeviceEvents))
	for _, ev := range changes.ToDeviceEvents {
		plaintext, err := m.decryptToDeviceEvent(ev)
		results = append(results, DecryptedToDeviceResult{Event: ev, Plaintext: plaintext, Err: err})
		if err != nil {
			m.log.Warn().Err(err).Str("sender", string(ev.Sender)).Msg("dropping undecryptable to-device event")
			continue
		}
		m.routeToDevicePlaintext(ev.Sender, plaintext)
	}

	m.mu.Lock()
	for _, u := range changes.ChangedDeviceLists {
		if t, ok := m.tracked[u]; ok {
			t.Dirty = true
		} else {
			m.tracked[u] = &TrackedUser{UserID: u, Dirty: true}
		}
	}
	for _, u := range changes.LeftDeviceLists {
		delete(m.tracked, u)
	}
	m.mu.Unlock()

	if count, ok := changes.OneTimeKeyCounts[id.KeyAlgorithmSigned]; ok {
		m.Account.OneTimeKeyCountHint(count)
	}

	return results
}

func (m *OlmMachine) decryptToDeviceEvent(ev ToDeviceEvent) (map[string]any, error) {
	algorithm, _ := ev.Content["algorithm"].(string)
	if algorithm != string(id.AlgorithmOlmV1) {
		return nil, ErrUnexpectedMessage
	}
	senderKeyStr, _ := ev.Content["sender_key"].(string)
	senderKey := id.Curve25519(senderKeyStr)
	ourIdentity, _ := m.Account.IdentityKeys()

	ciphertextMap, _ := ev.Content["ciphertext"].(map[string]any)
	ours, ok := ciphertextMap[string(ourIdentity)].(map[string]any)
	if !ok {
		return nil, ErrUnableToDecrypt
	}
	msgType, _ := ours["type"].(float64)
	body, _ := ours["body"].(string)

	var plaintext []byte
	if int(msgType) == 0 {
		preKey, err := DecodePreKeyMessage(body)
		if err != nil {
			return nil, err
		}
		_, pt, err := m.Sessions.DecryptPreKey(senderKey, preKey.IdentityKey, preKey)
		if err != nil {
			return nil, err
		}
		plaintext = pt
	} else {
		normal, err := DecodeNormalMessage(body)
		if err != nil {
			return nil, err
		}
		_, pt, err := m.Sessions.DecryptNormal(senderKey, normal)
		if err != nil {
			return nil, err
		}
		plaintext = pt
	}

	var payload map[string]any
	if err := unmarshalCanonical(plaintext, &payload); err != nil {
		return nil, err
	}
	_, ourEd25519 := m.Account.IdentityKeys()
	recipientKeys, _ := payload["recipient_keys"].(map[string]any)
	if payload["sender"] != string(ev.Sender) ||
		payload["recipient"] != string(m.UserID) ||
		recipientKeys["ed25519"] != string(ourEd25519) {
		return nil, ErrMismatchedIdentity
	}
	payload["__sender_key"] = string(senderKey)
	return payload, nil
}

func (m *OlmMachine) routeToDevicePlaintext(sender id.UserID, payload map[string]any) {
	msgType, _ := payload["type"].(string)
	switch msgType {
	case "m.room_key":
		m.installRoomKey(sender, payload)
	case "m.forwarded_room_key":
		m.installForwardedRoomKey(payload)
	case "m.room_key_request", "m.secret.send", "m.secret.request":
		// Gossip and secret sharing are out of scope; upper layers that
		// want them can read DecryptedToDeviceResult.Plaintext directly.
	default:
		// m.key.verification.* events are expected to be routed through
		// a verification.Machine the caller owns, using the same
		// decrypted plaintext this function already produced.
	}
}

// installRoomKey handles an m.room_key event. sender is the to-device
// event's envelope sender, already checked against the Olm payload's own
// "sender" field by decryptToDeviceEvent; it's used here to resolve the
// claimed ed25519 key from the sender's own tracked device list, rather
// than trusting anything the (attacker-controlled, since it's inside the
// decrypted payload) room-key content itself might claim.
func (m *OlmMachine) installRoomKey(sender id.UserID, payload map[string]any) {
	roomID, _ := payload["room_id"].(string)
	sessionKeyB64, _ := payload["session_key"].(string)
	senderKey, _ := payload["__sender_key"].(string)
	sk, err := DecodeSessionKey(sessionKeyB64)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed m.room_key")
		return
	}
	session, err := NewInboundGroupSessionFromRoomKey(id.RoomID(roomID), id.Curve25519(senderKey), m.ed25519ForCurve25519(sender, id.Curve25519(senderKey)), sk)
	if err != nil {
		m.log.Warn().Err(err).Msg("rejected m.room_key")
		return
	}
	m.InboundGroups.Save(session)
}

// ed25519ForCurve25519 finds the ed25519 identity key of user's tracked
// device whose curve25519 identity key is curveKey, so a claimed signing
// key always comes from our own device list rather than the event itself.
func (m *OlmMachine) ed25519ForCurve25519(user id.UserID, curveKey id.Curve25519) id.Ed25519 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices[user] {
		if d.Curve25519 == curveKey {
			return d.Ed25519
		}
	}
	return ""
}

// installForwardedRoomKey handles an m.forwarded_room_key event. Unlike
// m.room_key, the forwarded form carries its own claimed ed25519 key and
// forwarding chain in the payload, since the forwarding device is by
// definition not the session's originator.
func (m *OlmMachine) installForwardedRoomKey(payload map[string]any) {
	roomID, _ := payload["room_id"].(string)
	sessionKeyB64, _ := payload["session_key"].(string)
	senderKey, _ := payload["sender_key"].(string)
	claimedEd25519, _ := payload["sender_claimed_ed25519_key"].(string)
	chainRaw, _ := payload["forwarding_curve25519_key_chain"].([]any)
	chain := make([]id.Curve25519, 0, len(chainRaw))
	for _, c := range chainRaw {
		if s, ok := c.(string); ok {
			chain = append(chain, id.Curve25519(s))
		}
	}
	ek, err := DecodeExportedSessionKey(sessionKeyB64)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed m.forwarded_room_key")
		return
	}
	session, err := NewInboundGroupSessionFromForward(id.RoomID(roomID), id.Curve25519(senderKey), id.Ed25519(claimedEd25519), chain, ek)
	if err != nil {
		m.log.Warn().Err(err).Msg("rejected m.forwarded_room_key")
		return
	}
	m.InboundGroups.Save(session)
}

// OutgoingRequests implements §4.11 step 4: aggregate everything this
// orchestrator and its subcomponents currently want to send.
func (m *OlmMachine) OutgoingRequests() []OutgoingRequest {
	var out []OutgoingRequest

	if m.Account.HasUnpublishedKeys() {
		otks, fallback := m.Account.UnpublishedKeysForUpload()
		upload := &KeysUploadRequest{OneTimeKeys: make(map[id.KeyID]string)}
		for _, otk := range otks {
			upload.OneTimeKeys[id.NewKeyID(id.KeyAlgorithmSigned, otk.ID)] = id.EncodeUnpadded(otk.KeyPair.PublicKey[:])
		}
		if fallback != nil {
			upload.FallbackKeys = map[id.KeyID]string{
				id.NewKeyID(id.KeyAlgorithmSigned, fallback.ID): id.EncodeUnpadded(fallback.KeyPair.PublicKey[:]),
			}
		}
		req := OutgoingRequest{ID: uuid.NewString(), Type: RequestTypeKeysUpload, KeysUpload: upload}
		m.recordPending(req)
		out = append(out, req)
	}

	m.mu.Lock()
	var dirtyUsers []id.UserID
	for u, t := range m.tracked {
		if t.Dirty {
			dirtyUsers = append(dirtyUsers, u)
		}
	}
	m.mu.Unlock()
	if len(dirtyUsers) > 0 {
		req := OutgoingRequest{ID: uuid.NewString(), Type: RequestTypeKeysQuery, KeysQuery: &KeysQueryRequest{Users: dirtyUsers}}
		m.recordPending(req)
		out = append(out, req)
	}

	if m.Backup != nil {
		if req := m.Backup.PendingUpload(); req != nil {
			m.recordPending(*req)
			out = append(out, *req)
		}
	}
	if m.Verification != nil {
		for _, req := range m.Verification.PendingRequests() {
			m.recordPending(req)
			out = append(out, req)
		}
	}

	m.mu.Lock()
	out = append(out, m.pendingShareQueue...)
	m.pendingShareQueue = nil
	m.mu.Unlock()

	return out
}

func (m *OlmMachine) recordPending(req OutgoingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRequests[req.ID] = req
}

// MarkRequestAsSent acknowledges a previously-emitted request, applying
// whatever side effect that request kind implies: MarkKeysAsPublished
// for a keys/upload, clearing the users' dirty flags for a keys/query,
// and OutboundGroupSession.MarkRequestAsSent for a to-device room-key
// share. A keys/claim acknowledgement has no side effect here.
func (m *OlmMachine) MarkRequestAsSent(requestID string) {
	m.mu.Lock()
	req, ok := m.pendingRequests[requestID]
	if ok {
		delete(m.pendingRequests, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	switch req.Type {
	case RequestTypeKeysUpload:
		m.Account.MarkKeysAsPublished()
	case RequestTypeKeysQuery:
		m.mu.Lock()
		for _, u := range req.KeysQuery.Users {
			if t, ok := m.tracked[u]; ok {
				t.Dirty = false
			}
		}
		m.mu.Unlock()
	case RequestTypeToDevice:
		m.mu.Lock()
		for _, session := range m.outboundByRoom {
			session.MarkRequestAsSent(requestID)
		}
		m.mu.Unlock()
	}
}

// unmarshalCanonical is a seam over encoding/json for the plaintext
// payloads decrypted off the ratchet, kept distinct from CanonicalJSON
// (which only ever serializes, never parses) for readability at call
// sites.
func unmarshalCanonical(data []byte, v *map[string]any) error {
	return unmarshalJSON(data, v)
}
