package megolm

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

var (
	ErrMACMismatch      = errors.New("megolm: message authentication code mismatch")
	ErrMessageTooOld     = errors.New("megolm: message index is before the session's first known index")
	ErrBadExport        = errors.New("megolm: malformed exported session key")
	ErrSignatureInvalid = errors.New("megolm: exported session key has an invalid signature")
)

const (
	exportVersion  = 2
	infoMessageKey = "MEGOLM_MESSAGE_KEYS"
	macLength      = 8
)

// Message is a single encrypted Megolm ciphertext plus the message
// index it was produced at and a MAC over both.
type Message struct {
	Index      uint32
	Ciphertext []byte
	MAC        [macLength]byte
}

func (m Message) macBody() []byte {
	body := make([]byte, 0, 4+len(m.Ciphertext))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], m.Index)
	body = append(body, idx[:]...)
	body = append(body, m.Ciphertext...)
	return body
}

func deriveMessageKeys(ratchetBytes []byte) (aesKey, macKey, iv []byte) {
	out := make([]byte, 80)
	if _, err := io.ReadFull(gcrypto.HKDFSHA256(ratchetBytes, nil, []byte(infoMessageKey)), out); err != nil {
		panic(err)
	}
	return out[0:32], out[32:64], out[64:80]
}

// OutboundSession is a fresh per-room Megolm sending session.
type OutboundSession struct {
	SessionID  string
	signing    gcrypto.Ed25519KeyPair
	ratchet    ratchetState
	next       uint32
}

// NewOutboundSession creates a brand new outbound Megolm session with
// its own ratchet seed and Ed25519 signing key pair.
func NewOutboundSession() (*OutboundSession, error) {
	ratchet, err := newRatchetState()
	if err != nil {
		return nil, err
	}
	signing, err := gcrypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{
		SessionID: gcrypto.SHA256AsBase64(append(append([]byte{}, concat(ratchet)...), signing.PublicKey...)),
		signing:   signing,
		ratchet:   ratchet,
	}, nil
}

// MessageIndex returns the index that the next call to Encrypt will use.
func (s *OutboundSession) MessageIndex() uint32 { return s.next }

// Encrypt encrypts plaintext at the current message index and advances
// the ratchet.
func (s *OutboundSession) Encrypt(plaintext []byte) (Message, error) {
	index := s.next
	aesKey, macKey, iv := deriveMessageKeys(concat(s.ratchet))
	ciphertext, err := gcrypto.AESCTR(aesKey, iv, plaintext)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Index: index, Ciphertext: ciphertext}
	mac := gcrypto.HMACSHA256(macKey, msg.macBody())
	copy(msg.MAC[:], mac[:macLength])

	advanceTo(&s.ratchet, index, index+1)
	s.next++
	return msg, nil
}

// SessionKey is an exported, signed snapshot of the ratchet at a given
// index; sharing it with a device lets that device decrypt every
// message from that index forward.
type SessionKey struct {
	Version    byte
	Index      uint32
	Ratchet    [numLevels * partLength]byte
	SigningPub [32]byte
	Signature  [64]byte
}

// Export exports the ratchet at its current index (the index the next
// message will use), so the recipient can decrypt that message and
// every one after it, but nothing earlier.
func (s *OutboundSession) Export() SessionKey {
	return s.exportAt(s.next, s.ratchet)
}

func (s *OutboundSession) exportAt(index uint32, ratchet ratchetState) SessionKey {
	var sk SessionKey
	sk.Version = exportVersion
	sk.Index = index
	copy(sk.Ratchet[:], concat(ratchet))
	copy(sk.SigningPub[:], s.signing.PublicKey)
	signed := sk.signedBody()
	sig := gcrypto.Ed25519Sign(s.signing.PrivateKey, signed)
	copy(sk.Signature[:], sig)
	return sk
}

func (sk SessionKey) signedBody() []byte {
	body := make([]byte, 0, 1+4+len(sk.Ratchet)+32)
	body = append(body, sk.Version)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], sk.Index)
	body = append(body, idx[:]...)
	body = append(body, sk.Ratchet[:]...)
	body = append(body, sk.SigningPub[:]...)
	return body
}

// InboundSession is the recipient's side of a Megolm session, created
// by importing a SessionKey. It can decrypt messages from
// FirstKnownIndex onward.
type InboundSession struct {
	SessionID      string
	SigningPub     [32]byte
	FirstKnownIndex uint32
	ratchet        ratchetState
	ratchetIndex   uint32
}

// ImportSessionKey verifies and imports an exported session key,
// producing an inbound session that can decrypt from sk.Index onward.
func ImportSessionKey(sk SessionKey) (*InboundSession, error) {
	if sk.Version != exportVersion {
		return nil, ErrBadExport
	}
	if !gcrypto.Ed25519Verify(sk.SigningPub[:], sk.signedBody(), sk.Signature[:]) {
		return nil, ErrSignatureInvalid
	}
	var ratchet ratchetState
	copy(ratchet[0][:], sk.Ratchet[0:32])
	copy(ratchet[1][:], sk.Ratchet[32:64])
	copy(ratchet[2][:], sk.Ratchet[64:96])
	copy(ratchet[3][:], sk.Ratchet[96:128])

	return &InboundSession{
		SessionID:       gcrypto.SHA256AsBase64(append(append([]byte{}, sk.Ratchet[:]...), sk.SigningPub[:]...)),
		SigningPub:      sk.SigningPub,
		FirstKnownIndex: sk.Index,
		ratchet:         ratchet,
		ratchetIndex:    sk.Index,
	}, nil
}

// Decrypt decrypts a message, advancing the stored ratchet forward to
// the message's index if necessary. Messages at an index before
// FirstKnownIndex can never be decrypted by this session.
func (s *InboundSession) Decrypt(msg Message) ([]byte, error) {
	if msg.Index < s.FirstKnownIndex {
		return nil, ErrMessageTooOld
	}
	if msg.Index < s.ratchetIndex {
		return nil, ErrMessageTooOld
	}
	if msg.Index > s.ratchetIndex {
		advanceTo(&s.ratchet, s.ratchetIndex, msg.Index)
		s.ratchetIndex = msg.Index
	}

	aesKey, macKey, iv := deriveMessageKeys(concat(s.ratchet))
	expectedMAC := gcrypto.HMACSHA256(macKey, msg.macBody())
	if subtle.ConstantTimeCompare(expectedMAC[:macLength], msg.MAC[:]) != 1 {
		return nil, ErrMACMismatch
	}
	return gcrypto.AESCTR(aesKey, iv, msg.Ciphertext)
}

// ExportedSessionKey is the unsigned export format used when forwarding
// a room key to another device (m.forwarded_room_key) or backing it up:
// unlike SessionKey it carries no Ed25519 signature of its own, since
// the ed25519 claim for an inbound session travels alongside it as
// metadata (sender_claimed_ed25519_key) rather than as a signature over
// the ratchet bytes.
type ExportedSessionKey struct {
	Version    byte
	Index      uint32
	Ratchet    [numLevels * partLength]byte
	SigningPub [32]byte
}

// ExportAt exports this inbound session's state at a given index (used
// when forwarding a room key to another device, or when re-exporting
// for backup at FirstKnownIndex). index must be >= FirstKnownIndex.
func (s *InboundSession) ExportAt(index uint32) (ExportedSessionKey, error) {
	if index < s.FirstKnownIndex {
		return ExportedSessionKey{}, ErrMessageTooOld
	}
	ratchet := s.ratchet
	advanceTo(&ratchet, s.ratchetIndex, index)
	var ek ExportedSessionKey
	ek.Version = exportVersion
	ek.Index = index
	copy(ek.Ratchet[:], concat(ratchet))
	ek.SigningPub = s.SigningPub
	return ek, nil
}

// ImportExportedSessionKey imports an unsigned forwarded/backed-up
// session export. The caller is responsible for deciding how much to
// trust the sender_claimed_ed25519_key that traveled alongside it (see
// crypto.InboundGroupSession.Verified).
func ImportExportedSessionKey(ek ExportedSessionKey) (*InboundSession, error) {
	if ek.Version != exportVersion {
		return nil, ErrBadExport
	}
	var ratchet ratchetState
	copy(ratchet[0][:], ek.Ratchet[0:32])
	copy(ratchet[1][:], ek.Ratchet[32:64])
	copy(ratchet[2][:], ek.Ratchet[64:96])
	copy(ratchet[3][:], ek.Ratchet[96:128])
	return &InboundSession{
		SessionID:       gcrypto.SHA256AsBase64(append(append([]byte{}, ek.Ratchet[:]...), ek.SigningPub[:]...)),
		SigningPub:      ek.SigningPub,
		FirstKnownIndex: ek.Index,
		ratchet:         ratchet,
		ratchetIndex:    ek.Index,
	}, nil
}
