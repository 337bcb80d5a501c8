package crypto

import (
	"sync"

	"go.mau.fi/olmcore/crypto/goolm/megolm"
	"go.mau.fi/olmcore/id"
)

// InboundGroupSession is the recipient's record of a room's Megolm
// session: enough ratchet state to decrypt from FirstKnownIndex onward,
// plus the provenance and backup bookkeeping the store needs.
type InboundGroupSession struct {
	RoomID           id.RoomID
	SenderKey        id.Curve25519
	ClaimedEd25519   id.Ed25519
	ForwardingChain  []id.Curve25519

	// Imported is true if this session arrived via m.forwarded_room_key
	// or backup restore rather than directly from the originating
	// device's m.room_key.
	Imported bool
	BackedUp bool

	mu    sync.Mutex
	inner *megolm.InboundSession
}

func (s *InboundGroupSession) SessionID() id.SessionID {
	return id.SessionID(s.inner.SessionID)
}

func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.inner.FirstKnownIndex
}

// NewInboundGroupSessionFromRoomKey creates a session from a freshly
// received m.room_key event: directly from the originating device, so
// it carries no forwarding chain and its claimed ed25519 is trusted to
// the extent the Olm envelope it arrived in is trusted.
func NewInboundGroupSessionFromRoomKey(roomID id.RoomID, senderKey id.Curve25519, claimedEd25519 id.Ed25519, sk megolm.SessionKey) (*InboundGroupSession, error) {
	inner, err := megolm.ImportSessionKey(sk)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		RoomID:         roomID,
		SenderKey:      senderKey,
		ClaimedEd25519: claimedEd25519,
		inner:          inner,
	}, nil
}

// NewInboundGroupSessionFromForward creates a session from an
// m.forwarded_room_key event or a backup restore: always Imported,
// always carrying whatever forwarding chain accompanied it.
func NewInboundGroupSessionFromForward(roomID id.RoomID, senderKey id.Curve25519, claimedEd25519 id.Ed25519, forwardingChain []id.Curve25519, ek megolm.ExportedSessionKey) (*InboundGroupSession, error) {
	inner, err := megolm.ImportExportedSessionKey(ek)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       senderKey,
		ClaimedEd25519:  claimedEd25519,
		ForwardingChain: append([]id.Curve25519(nil), forwardingChain...),
		Imported:        true,
		inner:           inner,
	}, nil
}

// DecryptedGroupEvent is the result of a successful Megolm decrypt, with
// the metadata the orchestrator attaches per spec.
type DecryptedGroupEvent struct {
	Plaintext       []byte
	MessageIndex    uint32
	SenderKey       id.Curve25519
	ClaimedEd25519  id.Ed25519
	ForwardingChain []id.Curve25519
	Verified        bool
}

// Decrypt decrypts a room event ciphertext. The caller (OlmMachine)
// is responsible for the room_id payload check (RoomMismatch) and the
// device-trust lookup that fills in Verified.
func (s *InboundGroupSession) Decrypt(msg megolm.Message) (DecryptedGroupEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plaintext, err := s.inner.Decrypt(msg)
	if err != nil {
		return DecryptedGroupEvent{}, err
	}
	return DecryptedGroupEvent{
		Plaintext:       plaintext,
		MessageIndex:    msg.Index,
		SenderKey:       s.SenderKey,
		ClaimedEd25519:  s.ClaimedEd25519,
		ForwardingChain: s.ForwardingChain,
	}, nil
}

// ExportForForwardingOrBackup exports this session at its first known
// index, for an m.forwarded_room_key share or a backup upload.
func (s *InboundGroupSession) ExportForForwardingOrBackup() (megolm.ExportedSessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ExportAt(s.inner.FirstKnownIndex)
}

func (s *InboundGroupSession) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Pickle(pickleKey)
}

// inboundGroupKey identifies a session record the way the store keys
// it: (room, sender_key, session_id).
type inboundGroupKey struct {
	Room      id.RoomID
	SenderKey id.Curve25519
	SessionID id.SessionID
}

// InboundGroupStore is the in-memory half of C5: a cache in front of the
// durable store that implements the merge-on-save rule (lower
// first_known_index wins; backed_up/imported AND together) and replay
// detection against ciphertexts sharing a message index.
type seenMessage struct {
	ciphertext []byte
	event      DecryptedGroupEvent
}

type InboundGroupStore struct {
	mu       sync.RWMutex
	sessions map[inboundGroupKey]*InboundGroupSession
	seen     map[inboundGroupKey]map[uint32]seenMessage
}

func NewInboundGroupStore() *InboundGroupStore {
	return &InboundGroupStore{
		sessions: make(map[inboundGroupKey]*InboundGroupSession),
		seen:     make(map[inboundGroupKey]map[uint32]seenMessage),
	}
}

func keyFor(s *InboundGroupSession) inboundGroupKey {
	return inboundGroupKey{Room: s.RoomID, SenderKey: s.SenderKey, SessionID: s.SessionID()}
}

// Save inserts or merges a session record. If a record with the same
// key already exists, the one with the lower first_known_index wins,
// and backed_up/imported are ANDed together (a copy that is not backed
// up, or not imported, clears that flag on the record that is kept).
func (st *InboundGroupStore) Save(s *InboundGroupSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := keyFor(s)
	existing, ok := st.sessions[key]
	if !ok {
		st.sessions[key] = s
		return
	}
	if s.FirstKnownIndex() < existing.FirstKnownIndex() {
		s.BackedUp = s.BackedUp && existing.BackedUp
		s.Imported = s.Imported && existing.Imported
		st.sessions[key] = s
		return
	}
	existing.BackedUp = existing.BackedUp && s.BackedUp
	existing.Imported = existing.Imported && s.Imported
}

// Get returns the session for (room, sender_key, session_id), if any.
func (st *InboundGroupStore) Get(room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[inboundGroupKey{room, senderKey, sessionID}]
	return s, ok
}

// WithBackupPending returns up to limit sessions with backed_up=false,
// for the backup engine's batching (BATCH = 100 per spec).
func (st *InboundGroupStore) WithBackupPending(limit int) []*InboundGroupSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*InboundGroupSession
	for _, s := range st.sessions {
		if !s.BackedUp {
			out = append(out, s)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// All returns every session currently held, for a bulk export.
func (st *InboundGroupStore) All() []*InboundGroupSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*InboundGroupSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// DecryptAndCheckReplay decrypts msg against the session for key,
// enforcing the replay-attack rule: the same ciphertext at the same
// index decrypts idempotently (returning the cached result, since the
// ratchet itself may have already advanced past that index), but a
// different ciphertext at an already-seen index is a replay.
func (st *InboundGroupStore) DecryptAndCheckReplay(room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, msg megolm.Message) (DecryptedGroupEvent, error) {
	key := inboundGroupKey{room, senderKey, sessionID}

	st.mu.Lock()
	s, ok := st.sessions[key]
	if !ok {
		st.mu.Unlock()
		return DecryptedGroupEvent{}, ErrMissingRoomKey
	}
	seenForSession := st.seen[key]
	if seenForSession == nil {
		seenForSession = make(map[uint32]seenMessage)
		st.seen[key] = seenForSession
	}
	previous, seenBefore := seenForSession[msg.Index]
	st.mu.Unlock()

	if seenBefore {
		if !bytesEqual(previous.ciphertext, msg.Ciphertext) {
			return DecryptedGroupEvent{}, ErrReplayAttack
		}
		return previous.event, nil
	}

	event, err := s.Decrypt(msg)
	if err != nil {
		return DecryptedGroupEvent{}, err
	}

	st.mu.Lock()
	seenForSession[msg.Index] = seenMessage{ciphertext: msg.Ciphertext, event: event}
	st.mu.Unlock()
	return event, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
