package crypto

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"go.mau.fi/olmcore/crypto/goolm/olm"
	"go.mau.fi/olmcore/id"
)

// Session is an Olm session to a single peer device, tracked alongside
// the bookkeeping the registry needs to pick a preferred session and to
// persist it.
type Session struct {
	ID        id.SessionID
	SenderKey id.Curve25519

	CreatedAt               time.Time
	LastUsed                time.Time
	CreatedUsingFallbackKey bool

	// peerOneTimeKey is the recipient's one-time key this session was
	// established against. It must keep being embedded in every message
	// sent as a pre-key message, until the peer has replied at least
	// once (olm.Session.HasReceivedMessage).
	peerOneTimeKey [32]byte

	mu    sync.Mutex
	inner *olm.Session
}

// EncryptResult carries an Olm ciphertext payload, tagged with its type
// (0 = pre-key, 1 = normal) as required by the to-device envelope shape.
type EncryptResult struct {
	Type   int
	PreKey *olm.PreKeyMessage
	Normal *olm.NormalMessage
}

// Encrypt encrypts plaintext for this session's peer, updating last-use.
// Every message is sent as a pre-key message until the peer has replied
// at least once on this session.
func (s *Session) Encrypt(plaintext []byte) (EncryptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inner.HasReceivedMessage() {
		preKey, err := s.inner.EncryptPreKey(s.peerOneTimeKey, plaintext)
		if err != nil {
			return EncryptResult{}, err
		}
		s.LastUsed = now()
		return EncryptResult{Type: 0, PreKey: &preKey}, nil
	}
	normal, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return EncryptResult{}, err
	}
	s.LastUsed = now()
	return EncryptResult{Type: 1, Normal: &normal}, nil
}

// DecryptNormal attempts to decrypt a type-1 message with this session.
func (s *Session) DecryptNormal(msg olm.NormalMessage) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, err := s.inner.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	s.LastUsed = now()
	return pt, nil
}

// MatchesInboundSessionFrom reports whether a pre-key message was
// produced for this exact session (same base key negotiation), per the
// ratchet primitive's contract.
func (s *Session) MatchesInboundSessionFrom(identityKey [32]byte, msg olm.PreKeyMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.MatchesInboundSessionFrom(identityKey, msg)
}

// sessionPickle wraps the ratchet's own pickle with the one field the
// wrapper needs that the ratchet primitive has no reason to know about:
// the peer one-time key still needed to address pre-key messages until
// the peer replies.
type sessionPickle struct {
	PeerOneTimeKey [32]byte
	Ratchet        []byte
}

func (s *Session) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ratchetSealed, err := s.inner.Pickle(pickleKey)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(sessionPickle{PeerOneTimeKey: s.peerOneTimeKey, Ratchet: ratchetSealed}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadSession restores a session from its sealed state plus the
// bookkeeping fields the store persists alongside it.
func LoadSession(senderKey id.Curve25519, createdAt, lastUsed time.Time, createdUsingFallback bool, pickleKey, sealed []byte) (*Session, error) {
	var p sessionPickle
	if err := gob.NewDecoder(bytes.NewReader(sealed)).Decode(&p); err != nil {
		return nil, err
	}
	inner, err := olm.Unpickle(pickleKey, p.Ratchet)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:                      id.SessionID(inner.SessionID),
		SenderKey:               senderKey,
		CreatedAt:               createdAt,
		LastUsed:                lastUsed,
		CreatedUsingFallbackKey: createdUsingFallback,
		peerOneTimeKey:          p.PeerOneTimeKey,
		inner:                   inner,
	}, nil
}

// EncodeOlmMessage serializes an EncryptResult into the opaque "body"
// string carried in a to-device ciphertext envelope.
func EncodeOlmMessage(result EncryptResult) (string, error) {
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(result); err != nil {
		return "", err
	}
	return id.EncodeUnpadded(buf.Bytes()), nil
}

// DecodeOlmMessage reverses EncodeOlmMessage.
func DecodeOlmMessage(body string) (EncryptResult, error) {
	raw, err := id.DecodeUnpadded(body)
	if err != nil {
		return EncryptResult{}, err
	}
	var result EncryptResult
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&result); err != nil {
		return EncryptResult{}, err
	}
	return result, nil
}

// now is a seam so tests can't accidentally depend on wall-clock
// granularity mattering; kept trivial since the orchestrator layer is
// the one with a fake-clock test need (session tie-break ordering).
var now = time.Now

// SessionRegistry maps a peer's curve25519 identity key to the set of
// Olm sessions negotiated with it, implementing the C4 decrypt
// dispatch and preferred-session tie-break from the session model.
type SessionRegistry struct {
	mu       sync.RWMutex
	byPeer   map[id.Curve25519][]*Session
	account  *Account
}

func NewSessionRegistry(account *Account) *SessionRegistry {
	return &SessionRegistry{byPeer: make(map[id.Curve25519][]*Session), account: account}
}

// AddSession registers a session, e.g. one just created by
// Account.CreateOutboundSession/CreateInboundSession.
func (r *SessionRegistry) AddSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPeer[s.SenderKey] = append(r.byPeer[s.SenderKey], s)
}

// Sessions returns the sessions for a peer in most-recently-used order,
// breaking ties by preferring sessions not created from a fallback key,
// then by session ID lexicographically — the exact order the decrypt
// dispatch iterates in.
func (r *SessionRegistry) Sessions(peer id.Curve25519) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := append([]*Session(nil), r.byPeer[peer]...)
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.After(b.LastUsed)
		}
		if a.CreatedUsingFallbackKey != b.CreatedUsingFallbackKey {
			return !a.CreatedUsingFallbackKey
		}
		return a.ID < b.ID
	})
	return sessions
}

// DecryptNormal implements the normal-message half of the C4 dispatch:
// try every session for the peer in tie-break order, stop at the first
// that succeeds. Returns ErrUnableToDecrypt if none can.
func (r *SessionRegistry) DecryptNormal(peer id.Curve25519, msg olm.NormalMessage) (*Session, []byte, error) {
	for _, s := range r.Sessions(peer) {
		pt, err := s.DecryptNormal(msg)
		if err == nil {
			return s, pt, nil
		}
	}
	return nil, nil, ErrUnableToDecrypt
}

// DecryptPreKey implements the pre-key half of the C4 dispatch: reuse a
// session that already matches this handshake, or ask the account to
// establish a fresh inbound session.
func (r *SessionRegistry) DecryptPreKey(peer id.Curve25519, identityKey [32]byte, msg olm.PreKeyMessage) (*Session, []byte, error) {
	for _, s := range r.Sessions(peer) {
		if s.MatchesInboundSessionFrom(identityKey, msg) {
			pt, err := s.DecryptNormal(msg.Message)
			if err == nil {
				return s, pt, nil
			}
		}
	}
	session, plaintext, err := r.account.CreateInboundSession(msg)
	if err != nil {
		return nil, nil, ErrUnableToDecrypt
	}
	session.CreatedAt = now()
	session.LastUsed = now()
	r.AddSession(session)
	return session, plaintext, nil
}
