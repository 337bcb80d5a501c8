package megolm

import (
	"bytes"
	"encoding/gob"

	"go.mau.fi/olmcore/crypto/goolm"
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

type outboundPickle struct {
	SessionID string
	Signing   gcrypto.Ed25519KeyPair
	Ratchet   ratchetState
	Next      uint32
}

func (s *OutboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	p := outboundPickle{SessionID: s.SessionID, Signing: s.signing, Ratchet: s.ratchet, Next: s.next}
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, err
	}
	return goolm.Seal(pickleKey, buf.Bytes())
}

func UnpickleOutboundSession(pickleKey, sealed []byte) (*OutboundSession, error) {
	raw, err := goolm.Open(pickleKey, sealed)
	if err != nil {
		return nil, err
	}
	var p outboundPickle
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, err
	}
	return &OutboundSession{SessionID: p.SessionID, signing: p.Signing, ratchet: p.Ratchet, next: p.Next}, nil
}

type inboundPickle struct {
	SessionID       string
	SigningPub      [32]byte
	FirstKnownIndex uint32
	Ratchet         ratchetState
	RatchetIndex    uint32
}

func (s *InboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	p := inboundPickle{
		SessionID:       s.SessionID,
		SigningPub:      s.SigningPub,
		FirstKnownIndex: s.FirstKnownIndex,
		Ratchet:         s.ratchet,
		RatchetIndex:    s.ratchetIndex,
	}
	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(p); err != nil {
		return nil, err
	}
	return goolm.Seal(pickleKey, buf.Bytes())
}

func UnpickleInboundSession(pickleKey, sealed []byte) (*InboundSession, error) {
	raw, err := goolm.Open(pickleKey, sealed)
	if err != nil {
		return nil, err
	}
	var p inboundPickle
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, err
	}
	return &InboundSession{
		SessionID:       p.SessionID,
		SigningPub:      p.SigningPub,
		FirstKnownIndex: p.FirstKnownIndex,
		ratchet:         p.Ratchet,
		ratchetIndex:    p.RatchetIndex,
	}, nil
}
