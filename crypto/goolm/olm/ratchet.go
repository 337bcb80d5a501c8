// Package olm implements the Olm 1-to-1 double ratchet: identity key
// pairs, one-time keys, outbound/inbound session establishment via a
// triple Diffie-Hellman handshake, and the sending/receiving hash
// ratchets used to encrypt and decrypt individual messages.
//
// This is the ratchet primitive referenced as C1 in the crypto core
// design: callers never reach into a Session's ratchet state directly,
// they only call Encrypt, Decrypt, MatchesInboundSessionFrom and
// Pickle/Unpickle.
package olm

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

var (
	ErrMACMismatch        = errors.New("olm: message authentication code mismatch")
	ErrIdentityMismatch   = errors.New("olm: pre-key message identity does not match")
	ErrOneTimeKeyMismatch = errors.New("olm: pre-key message does not reference our one-time key")
	ErrNoSendingChain     = errors.New("olm: session has no sending chain yet")
	ErrChainBehind        = errors.New("olm: message chain index is behind the receiving chain and no skipped key was stored")
)

const (
	infoRoot         = "OLM_ROOT"
	infoMessageKeys  = "OLM_MESSAGE_KEYS"
	macLength        = 8
	maxSkippedChains = 40
)

// PreKeyMessage is the type-0 Olm message: enough material for the
// recipient to establish a brand new inbound session.
type PreKeyMessage struct {
	IdentityKey [32]byte
	BaseKey     [32]byte
	OneTimeKey  [32]byte
	Message     NormalMessage
}

// NormalMessage is the type-1 Olm message: a ratchet public key, the
// chain index the message key was drawn from, the ciphertext and a
// truncated MAC over the rest of the message.
type NormalMessage struct {
	RatchetKey [32]byte
	ChainIndex uint32
	Ciphertext []byte
	MAC        [macLength]byte
}

func (m NormalMessage) macBody() []byte {
	body := make([]byte, 0, 32+4+len(m.Ciphertext))
	body = append(body, m.RatchetKey[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], m.ChainIndex)
	body = append(body, idx[:]...)
	body = append(body, m.Ciphertext...)
	return body
}

type chain struct {
	key   []byte
	index uint32
}

func (c *chain) advance() []byte {
	messageKey := gcrypto.HMACSHA256(c.key, []byte{0x01})
	c.key = gcrypto.HMACSHA256(c.key, []byte{0x02})
	c.index++
	return messageKey
}

// Session is one established Olm 1-to-1 ratchet, in either direction.
type Session struct {
	SessionID string

	ourIdentityKey   [32]byte
	theirIdentityKey [32]byte
	establishedBase  [32]byte

	rootKey []byte

	hasSendingChain  bool
	sendingRatchet   gcrypto.Curve25519KeyPair
	sendingChain     chain
	ourLastRatchet   gcrypto.Curve25519KeyPair // last keypair used for a DH step, kept so Decrypt can compute DH secrets
	hasLastRatchet   bool

	hasReceivingChain  bool
	receivingRatchetPub [32]byte
	receivingChain      chain
	skippedChains       []skippedChain
}

type skippedChain struct {
	ratchetPub [32]byte
	chain      chain
}

func ratchetStep(rootKey, dhSecret []byte) (newRoot, newChain []byte) {
	out := make([]byte, 64)
	if _, err := io.ReadFull(gcrypto.HKDFSHA256(dhSecret, rootKey, []byte(infoRoot)), out); err != nil {
		panic(err) // HKDF only fails if asked for an absurd amount of output
	}
	return out[:32], out[32:]
}

func deriveMessageKeyMaterial(messageKey []byte) (aesKey, macKey, iv []byte) {
	out := make([]byte, 80)
	if _, err := io.ReadFull(gcrypto.HKDFSHA256(messageKey, nil, []byte(infoMessageKeys)), out); err != nil {
		panic(err)
	}
	return out[0:32], out[32:64], out[64:80]
}

func sessionID(parts ...[32]byte) string {
	buf := make([]byte, 0, 32*len(parts))
	for _, p := range parts {
		buf = append(buf, p[:]...)
	}
	return gcrypto.SHA256AsBase64(buf)
}

// NewOutboundSession starts a fresh session to a peer given our identity
// key pair, the peer's identity public key and one of the peer's
// one-time public keys fetched via /keys/claim.
func NewOutboundSession(ourIdentity gcrypto.Curve25519KeyPair, theirIdentity, theirOneTimeKey [32]byte) (*Session, error) {
	baseKey, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := gcrypto.Curve25519SharedSecret(ourIdentity.PrivateKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	dh2, err := gcrypto.Curve25519SharedSecret(baseKey.PrivateKey, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := gcrypto.Curve25519SharedSecret(baseKey.PrivateKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	root, chainKey := ratchetStep(make([]byte, 32), secret)

	s := &Session{
		SessionID:        sessionID(ourIdentity.PublicKey, theirIdentity, baseKey.PublicKey),
		ourIdentityKey:   ourIdentity.PublicKey,
		theirIdentityKey: theirIdentity,
		establishedBase:  baseKey.PublicKey,
		rootKey:          root,
		hasSendingChain:  true,
		sendingRatchet:   baseKey,
		sendingChain:     chain{key: chainKey},
		ourLastRatchet:   baseKey,
		hasLastRatchet:   true,
	}
	return s, nil
}

// NewInboundSession establishes a session from a received pre-key
// message, given our identity key pair and the one-time key pair the
// message claims to use (the caller is responsible for looking this up
// and for consuming it afterwards).
func NewInboundSession(ourIdentity, ourOneTimeKey gcrypto.Curve25519KeyPair, msg PreKeyMessage) (*Session, []byte, error) {
	if msg.OneTimeKey != ourOneTimeKey.PublicKey {
		return nil, nil, ErrOneTimeKeyMismatch
	}

	dh1, err := gcrypto.Curve25519SharedSecret(ourOneTimeKey.PrivateKey, msg.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := gcrypto.Curve25519SharedSecret(ourIdentity.PrivateKey, msg.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := gcrypto.Curve25519SharedSecret(ourOneTimeKey.PrivateKey, msg.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	root, chainKey := ratchetStep(make([]byte, 32), secret)

	s := &Session{
		SessionID:           sessionID(msg.IdentityKey, ourIdentity.PublicKey, msg.BaseKey),
		ourIdentityKey:      ourIdentity.PublicKey,
		theirIdentityKey:    msg.IdentityKey,
		establishedBase:     msg.BaseKey,
		rootKey:             root,
		hasReceivingChain:   true,
		receivingRatchetPub: msg.BaseKey,
		receivingChain:      chain{key: chainKey},
		ourLastRatchet:      ourIdentity,
		hasLastRatchet:      true,
	}

	plaintext, err := s.decryptNormal(msg.Message)
	if err != nil {
		return nil, nil, err
	}
	return s, plaintext, nil
}

// MatchesInboundSessionFrom reports whether a pre-key message from
// theirIdentity would be decrypted by this (already established)
// session rather than requiring a new one — true exactly when the
// message reuses the same base key this session was created from.
func (s *Session) MatchesInboundSessionFrom(theirIdentity [32]byte, msg PreKeyMessage) bool {
	return s.theirIdentityKey == theirIdentity && s.establishedBase == msg.BaseKey
}

// TheirIdentityKey returns the peer's curve25519 identity key.
func (s *Session) TheirIdentityKey() [32]byte { return s.theirIdentityKey }

// HasReceivedMessage reports whether this session has ever decrypted an
// incoming message — once true, an outbound session stops needing to
// send pre-key messages.
func (s *Session) HasReceivedMessage() bool {
	return s.hasReceivingChain
}

func (s *Session) ratchetForSending() error {
	if s.hasSendingChain {
		return nil
	}
	if !s.hasReceivingChain {
		return ErrNoSendingChain
	}
	newRatchet, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := gcrypto.Curve25519SharedSecret(newRatchet.PrivateKey, s.receivingRatchetPub)
	if err != nil {
		return err
	}
	root, chainKey := ratchetStep(s.rootKey, dh)
	s.rootKey = root
	s.sendingRatchet = newRatchet
	s.sendingChain = chain{key: chainKey}
	s.hasSendingChain = true
	s.ourLastRatchet = newRatchet
	s.hasLastRatchet = true
	return nil
}

// Encrypt produces the next message in the sending chain.
func (s *Session) Encrypt(plaintext []byte) (NormalMessage, error) {
	if err := s.ratchetForSending(); err != nil {
		return NormalMessage{}, err
	}
	messageKey := s.sendingChain.advance()
	aesKey, macKey, iv := deriveMessageKeyMaterial(messageKey)
	ciphertext, err := gcrypto.AESCTR(aesKey, iv, plaintext)
	if err != nil {
		return NormalMessage{}, err
	}
	msg := NormalMessage{
		RatchetKey: s.sendingRatchet.PublicKey,
		ChainIndex: s.sendingChain.index - 1,
		Ciphertext: ciphertext,
	}
	mac := gcrypto.HMACSHA256(macKey, msg.macBody())
	copy(msg.MAC[:], mac[:macLength])
	return msg, nil
}

// EncryptPreKey wraps Encrypt's result in a pre-key envelope, which
// must be used for every message sent on this session until the peer
// has replied at least once.
func (s *Session) EncryptPreKey(oneTimeKey [32]byte, plaintext []byte) (PreKeyMessage, error) {
	normal, err := s.Encrypt(plaintext)
	if err != nil {
		return PreKeyMessage{}, err
	}
	return PreKeyMessage{
		IdentityKey: s.ourIdentityKey,
		BaseKey:     s.establishedBase,
		OneTimeKey:  oneTimeKey,
		Message:     normal,
	}, nil
}

func (s *Session) receiveRatchetStep(theirRatchetPub [32]byte) error {
	if s.hasReceivingChain && s.receivingRatchetPub == theirRatchetPub {
		return nil
	}
	if s.hasReceivingChain {
		s.skippedChains = append(s.skippedChains, skippedChain{ratchetPub: s.receivingRatchetPub, chain: s.receivingChain})
		if len(s.skippedChains) > maxSkippedChains {
			s.skippedChains = s.skippedChains[1:]
		}
	}
	var dhPriv [32]byte
	if s.hasSendingChain {
		dhPriv = s.sendingRatchet.PrivateKey
	} else {
		dhPriv = s.ourLastRatchet.PrivateKey
	}
	dh, err := gcrypto.Curve25519SharedSecret(dhPriv, theirRatchetPub)
	if err != nil {
		return err
	}
	root, chainKey := ratchetStep(s.rootKey, dh)
	s.rootKey = root
	s.receivingRatchetPub = theirRatchetPub
	s.receivingChain = chain{key: chainKey}
	s.hasReceivingChain = true
	// Force a fresh DH step the next time we send.
	s.hasSendingChain = false
	return nil
}

func (s *Session) decryptNormal(msg NormalMessage) ([]byte, error) {
	if err := s.receiveRatchetStep(msg.RatchetKey); err != nil {
		return nil, err
	}

	c := &s.receivingChain
	if msg.ChainIndex < c.index {
		for _, skipped := range s.skippedChains {
			if skipped.ratchetPub == msg.RatchetKey {
				return decryptWithChain(&skipped.chain, msg)
			}
		}
		return nil, ErrChainBehind
	}
	for c.index < msg.ChainIndex {
		c.advance()
	}
	return decryptWithChain(c, msg)
}

func decryptWithChain(c *chain, msg NormalMessage) ([]byte, error) {
	messageKey := c.advance()
	aesKey, macKey, iv := deriveMessageKeyMaterial(messageKey)
	expectedMAC := gcrypto.HMACSHA256(macKey, msg.macBody())
	if subtle.ConstantTimeCompare(expectedMAC[:macLength], msg.MAC[:]) != 1 {
		return nil, ErrMACMismatch
	}
	return gcrypto.AESCTR(aesKey, iv, msg.Ciphertext)
}

// Decrypt decrypts a type-1 (normal) Olm message using this session.
func (s *Session) Decrypt(msg NormalMessage) ([]byte, error) {
	return s.decryptNormal(msg)
}
