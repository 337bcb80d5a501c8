package olm

import (
	"fmt"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
)

// MaxOneTimeKeys mirrors libolm/vodozemac's cap of 2x the signed
// curve25519 key count; it's a constant of the ratchet primitive, not a
// policy choice made above this layer.
const MaxOneTimeKeys = 100

// OneTimeKey is a single one-time (or fallback) curve25519 key pair,
// identified by an opaque key ID chosen when it was generated.
type OneTimeKey struct {
	ID      string
	KeyPair gcrypto.Curve25519KeyPair
}

// Account holds the long-term identity keys and the one-time/fallback
// key material a device uses to establish Olm sessions. It never knows
// about the network or the store; it only does key management and
// session establishment at the ratchet level.
type Account struct {
	IdentityKeys   gcrypto.Curve25519KeyPair
	SigningKeys    gcrypto.Ed25519KeyPair
	oneTimeKeys    []OneTimeKey
	nextKeyID      uint64
	fallbackKey    *OneTimeKey
	prevFallback   *OneTimeKey
	publishedCount int
}

// NewAccount generates a fresh identity key pair and signing key pair.
func NewAccount() (*Account, error) {
	identity, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := gcrypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{IdentityKeys: identity, SigningKeys: signing}, nil
}

// Sign signs an arbitrary message (the caller is responsible for
// canonicalizing JSON before calling this) with the account's ed25519
// signing key.
func (a *Account) Sign(message []byte) []byte {
	return gcrypto.Ed25519Sign(a.SigningKeys.PrivateKey, message)
}

func (a *Account) nextID() string {
	a.nextKeyID++
	return fmt.Sprintf("%d", a.nextKeyID)
}

// GenerateOneTimeKeys generates n new one-time keys and appends them to
// the unpublished pool. It never removes or republishes existing keys.
func (a *Account) GenerateOneTimeKeys(n int) ([]OneTimeKey, error) {
	generated := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := gcrypto.GenerateCurve25519KeyPair()
		if err != nil {
			return nil, err
		}
		otk := OneTimeKey{ID: a.nextID(), KeyPair: kp}
		a.oneTimeKeys = append(a.oneTimeKeys, otk)
		generated = append(generated, otk)
	}
	return generated, nil
}

// GenerateFallbackKey creates a new fallback key, demoting the current
// one to "previous" so it's still available for in-flight pre-key
// messages. The previous-previous fallback, if any, is dropped.
func (a *Account) GenerateFallbackKey() (OneTimeKey, error) {
	kp, err := gcrypto.GenerateCurve25519KeyPair()
	if err != nil {
		return OneTimeKey{}, err
	}
	otk := OneTimeKey{ID: a.nextID(), KeyPair: kp}
	a.prevFallback = a.fallbackKey
	a.fallbackKey = &otk
	return otk, nil
}

// UnpublishedOneTimeKeys returns the one-time keys that have not yet
// been confirmed published via MarkKeysAsPublished.
func (a *Account) UnpublishedOneTimeKeys() []OneTimeKey {
	out := make([]OneTimeKey, len(a.oneTimeKeys)-a.publishedCount)
	copy(out, a.oneTimeKeys[a.publishedCount:])
	return out
}

// FallbackKey returns the current fallback key, whether or not it has
// been uploaded before. The bool result mirrors whether one exists.
func (a *Account) FallbackKey() (OneTimeKey, bool) {
	if a.fallbackKey == nil {
		return OneTimeKey{}, false
	}
	return *a.fallbackKey, true
}

// MarkKeysAsPublished records that everything currently unpublished has
// now been uploaded; it must only be called after a successful
// /keys/upload response.
func (a *Account) MarkKeysAsPublished() {
	a.publishedCount = len(a.oneTimeKeys)
}

// takeOneTimeKey deletes a one-time key once it has been consumed by
// an inbound session, so it's never offered again. It also matches
// against the current or previous fallback key, since those are reused
// until explicitly rotated and must not be deleted.
func (a *Account) takeOneTimeKey(public [32]byte) (gcrypto.Curve25519KeyPair, bool) {
	for i, otk := range a.oneTimeKeys {
		if otk.KeyPair.PublicKey == public {
			a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
			if i < a.publishedCount {
				a.publishedCount--
			}
			return otk.KeyPair, true
		}
	}
	if a.fallbackKey != nil && a.fallbackKey.KeyPair.PublicKey == public {
		return a.fallbackKey.KeyPair, true
	}
	if a.prevFallback != nil && a.prevFallback.KeyPair.PublicKey == public {
		return a.prevFallback.KeyPair, true
	}
	return gcrypto.Curve25519KeyPair{}, false
}

// CreateOutboundSession creates a new Olm session to a peer device given
// its identity key and one of its claimed one-time keys.
func (a *Account) CreateOutboundSession(theirIdentity, theirOneTimeKey [32]byte) (*Session, error) {
	return NewOutboundSession(a.IdentityKeys, theirIdentity, theirOneTimeKey)
}

// CreateInboundSession consumes the one-time key referenced by a
// pre-key message (if we still have it) and establishes a new inbound
// session, returning the session and the decrypted first message.
func (a *Account) CreateInboundSession(msg PreKeyMessage) (*Session, []byte, error) {
	otk, ok := a.takeOneTimeKey(msg.OneTimeKey)
	if !ok {
		return nil, nil, ErrOneTimeKeyMismatch
	}
	return NewInboundSession(a.IdentityKeys, otk, msg)
}
