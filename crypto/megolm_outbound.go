package crypto

import (
	"sync"
	"time"

	"go.mau.fi/olmcore/crypto/goolm/megolm"
	"go.mau.fi/olmcore/id"
)

// EncryptionSettings captures the room's encryption event at the time
// the session was created: the rotation policy is fixed for the
// session's lifetime even if the room's settings change later.
type EncryptionSettings struct {
	Algorithm           id.Algorithm
	RotationPeriod      time.Duration
	RotationPeriodMsgs  int
	HistoryVisibility   string
}

// minRotationPeriod is a floor on the wall-clock rotation period: a room
// admin setting this to a few seconds must not force a new session on
// every message.
const minRotationPeriod = time.Hour

// defaultRotationPeriodMsgs mirrors the Matrix spec's recommended
// default of rotating after 100 messages.
const defaultRotationPeriodMsgs = 100

// DefaultEncryptionSettings returns the settings new outbound sessions
// use when the room hasn't specified its own rotation policy.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:          id.AlgorithmMegolmV1,
		RotationPeriod:     minRotationPeriod,
		RotationPeriodMsgs: defaultRotationPeriodMsgs,
	}
}

func (s EncryptionSettings) rotationPeriod() time.Duration {
	if s.RotationPeriod < minRotationPeriod {
		return minRotationPeriod
	}
	return s.RotationPeriod
}

// ShareInfo records the state under which a room key was (or is being)
// shared with a specific device: the sender key and message index in
// effect when the share happened, so a later, lower-index share from a
// race can be told apart from a stale one.
type ShareInfo struct {
	SenderKeyAtShare   id.Curve25519
	MessageIndexAtShare uint32
}

type deviceKey struct {
	User   id.UserID
	Device id.DeviceID
}

// OutboundGroupSession is a per-room Megolm sending session plus the
// rotation/sharing bookkeeping the key-sharing scheduler (C7) drives.
type OutboundGroupSession struct {
	RoomID    id.RoomID
	CreatedAt time.Time
	Settings  EncryptionSettings

	Shared      bool
	Invalidated bool

	mu              sync.Mutex
	inner           *megolm.OutboundSession
	messageCount    int
	sharedWith      map[deviceKey]ShareInfo
	pendingRequests map[string]map[deviceKey]ShareInfo
}

// NewOutboundGroupSession creates a fresh, unshared session for a room.
func NewOutboundGroupSession(roomID id.RoomID, settings EncryptionSettings) (*OutboundGroupSession, error) {
	inner, err := megolm.NewOutboundSession()
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		RoomID:          roomID,
		CreatedAt:       now(),
		Settings:        settings,
		inner:           inner,
		sharedWith:      make(map[deviceKey]ShareInfo),
		pendingRequests: make(map[string]map[deviceKey]ShareInfo),
	}, nil
}

func (s *OutboundGroupSession) SessionID() id.SessionID {
	return id.SessionID(s.inner.SessionID)
}

// Expired reports whether this session has exceeded its rotation policy
// by message count or elapsed wall-clock time, per the invariant that
// counter+elapsed-time against settings determines expiry.
func (s *OutboundGroupSession) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Invalidated {
		return true
	}
	if s.Settings.RotationPeriodMsgs > 0 && s.messageCount >= s.Settings.RotationPeriodMsgs {
		return true
	}
	return now().Sub(s.CreatedAt) >= s.Settings.rotationPeriod()
}

// Encrypt encrypts a room event's JSON payload. The session must be
// Shared before this is ever called in practice, but the ratchet itself
// doesn't enforce that; OlmMachine does (ErrSessionNotShared).
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (megolm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return megolm.Message{}, err
	}
	s.messageCount++
	return msg, nil
}

// MessageIndex returns the index the next Encrypt call will use.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.MessageIndex()
}

// ExportAtCurrentIndex exports the session key for distribution: the
// index the next message will use, so recipients decrypt it and every
// later message but nothing sent before the share.
func (s *OutboundGroupSession) ExportAtCurrentIndex() megolm.SessionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Export()
}

// NeedsSharingWith computes the target \ already-shared \ pending set
// for the key-sharing scheduler's step 1, given the full target set of
// devices that should hold this session.
func (s *OutboundGroupSession) NeedsSharingWith(target []DeviceIdentity) []DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeviceIdentity
	for _, d := range target {
		key := deviceKey{d.UserID, d.DeviceID}
		if _, shared := s.sharedWith[key]; shared {
			continue
		}
		if s.pendingFor(key) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *OutboundGroupSession) pendingFor(key deviceKey) bool {
	for _, byDevice := range s.pendingRequests {
		if _, ok := byDevice[key]; ok {
			return true
		}
	}
	return false
}

// RecordPendingShare registers that requestID carries a room-key share
// for the given devices at the current message index, so a concurrent
// NeedsSharingWith call won't emit a duplicate send before the request
// is acknowledged.
func (s *OutboundGroupSession) RecordPendingShare(requestID string, devices []DeviceIdentity, senderKey id.Curve25519) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ShareInfo{SenderKeyAtShare: senderKey, MessageIndexAtShare: s.inner.MessageIndex()}
	byDevice := make(map[deviceKey]ShareInfo, len(devices))
	for _, d := range devices {
		byDevice[deviceKey{d.UserID, d.DeviceID}] = info
	}
	s.pendingRequests[requestID] = byDevice
}

// MarkRequestAsSent moves a pending share into shared_with. When no
// pending requests remain, the session becomes usable for encryption.
// Tie-break on a race between two shares for the same device: the
// share with the lower message index wins.
func (s *OutboundGroupSession) MarkRequestAsSent(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDevice, ok := s.pendingRequests[requestID]
	if !ok {
		return
	}
	delete(s.pendingRequests, requestID)
	for key, info := range byDevice {
		existing, already := s.sharedWith[key]
		if !already || info.MessageIndexAtShare < existing.MessageIndexAtShare {
			s.sharedWith[key] = info
		}
	}
	if len(s.pendingRequests) == 0 {
		s.Shared = true
	}
}

// AbandonPendingRequest drops a pending share without promoting it —
// used when the session is invalidated before the request was sent;
// already-sent to-device traffic for that request is simply never
// referenced again.
func (s *OutboundGroupSession) AbandonPendingRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingRequests, requestID)
}

// IsSharedWith reports whether a device already has (or is in flight to
// receive) this session, and if so at what message index.
func (s *OutboundGroupSession) IsSharedWith(userID id.UserID, deviceID id.DeviceID) (ShareInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey{userID, deviceID}
	if info, ok := s.sharedWith[key]; ok {
		return info, true
	}
	if byDevice := s.pendingRequests; byDevice != nil {
		for _, devices := range byDevice {
			if info, ok := devices[key]; ok {
				return info, true
			}
		}
	}
	return ShareInfo{}, false
}

func (s *OutboundGroupSession) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Pickle(pickleKey)
}
