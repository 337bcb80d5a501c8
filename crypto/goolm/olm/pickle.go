package olm

import (
	"bytes"
	"encoding/gob"

	"go.mau.fi/olmcore/crypto/goolm"
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

// sessionPickle mirrors Session's private fields in an exported,
// gob-friendly shape. It's never handed to callers directly — Pickle
// returns opaque sealed bytes.
type sessionPickle struct {
	SessionID           string
	OurIdentityKey      [32]byte
	TheirIdentityKey    [32]byte
	EstablishedBase     [32]byte
	RootKey             []byte
	HasSendingChain     bool
	SendingRatchet      gcrypto.Curve25519KeyPair
	SendingChainKey     []byte
	SendingChainIndex   uint32
	OurLastRatchet      gcrypto.Curve25519KeyPair
	HasLastRatchet      bool
	HasReceivingChain   bool
	ReceivingRatchetPub [32]byte
	ReceivingChainKey   []byte
	ReceivingChainIndex uint32
	Skipped             []skippedChain
}

// Pickle serializes the session's ratchet state, sealed under
// pickleKey. The sealed bytes are opaque; the store never interprets
// them.
func (s *Session) Pickle(pickleKey []byte) ([]byte, error) {
	p := sessionPickle{
		SessionID:           s.SessionID,
		OurIdentityKey:      s.ourIdentityKey,
		TheirIdentityKey:    s.theirIdentityKey,
		EstablishedBase:     s.establishedBase,
		RootKey:             s.rootKey,
		HasSendingChain:     s.hasSendingChain,
		SendingRatchet:      s.sendingRatchet,
		SendingChainKey:     s.sendingChain.key,
		SendingChainIndex:   s.sendingChain.index,
		OurLastRatchet:      s.ourLastRatchet,
		HasLastRatchet:      s.hasLastRatchet,
		HasReceivingChain:   s.hasReceivingChain,
		ReceivingRatchetPub: s.receivingRatchetPub,
		ReceivingChainKey:   s.receivingChain.key,
		ReceivingChainIndex: s.receivingChain.index,
		Skipped:             s.skippedChains,
	}
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, err
	}
	return goolm.Seal(pickleKey, buf.Bytes())
}

// Unpickle restores a session previously serialized with Pickle.
func Unpickle(pickleKey, sealed []byte) (*Session, error) {
	raw, err := goolm.Open(pickleKey, sealed)
	if err != nil {
		return nil, err
	}
	var p sessionPickle
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, err
	}
	return &Session{
		SessionID:           p.SessionID,
		ourIdentityKey:      p.OurIdentityKey,
		theirIdentityKey:    p.TheirIdentityKey,
		establishedBase:     p.EstablishedBase,
		rootKey:             p.RootKey,
		hasSendingChain:     p.HasSendingChain,
		sendingRatchet:      p.SendingRatchet,
		sendingChain:        chain{key: p.SendingChainKey, index: p.SendingChainIndex},
		ourLastRatchet:      p.OurLastRatchet,
		hasLastRatchet:      p.HasLastRatchet,
		hasReceivingChain:   p.HasReceivingChain,
		receivingRatchetPub: p.ReceivingRatchetPub,
		receivingChain:      chain{key: p.ReceivingChainKey, index: p.ReceivingChainIndex},
		skippedChains:       p.Skipped,
	}, nil
}

// accountPickle mirrors Account's private fields for serialization.
type accountPickle struct {
	IdentityKeys   gcrypto.Curve25519KeyPair
	SigningKeys    gcrypto.Ed25519KeyPair
	OneTimeKeys    []OneTimeKey
	NextKeyID      uint64
	FallbackKey    *OneTimeKey
	PrevFallback   *OneTimeKey
	PublishedCount int
}

// Pickle serializes the account, sealed under pickleKey.
func (a *Account) Pickle(pickleKey []byte) ([]byte, error) {
	p := accountPickle{
		IdentityKeys:   a.IdentityKeys,
		SigningKeys:    a.SigningKeys,
		OneTimeKeys:    a.oneTimeKeys,
		NextKeyID:      a.nextKeyID,
		FallbackKey:    a.fallbackKey,
		PrevFallback:   a.prevFallback,
		PublishedCount: a.publishedCount,
	}
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, err
	}
	return goolm.Seal(pickleKey, buf.Bytes())
}

// UnpickleAccount restores an account previously serialized with Pickle.
func UnpickleAccount(pickleKey, sealed []byte) (*Account, error) {
	raw, err := goolm.Open(pickleKey, sealed)
	if err != nil {
		return nil, err
	}
	var p accountPickle
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, err
	}
	return &Account{
		IdentityKeys:   p.IdentityKeys,
		SigningKeys:    p.SigningKeys,
		oneTimeKeys:    p.OneTimeKeys,
		nextKeyID:      p.NextKeyID,
		fallbackKey:    p.FallbackKey,
		prevFallback:   p.PrevFallback,
		publishedCount: p.PublishedCount,
	}, nil
}
