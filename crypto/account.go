package crypto

import (
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/olmcore/crypto/goolm/olm"
	"go.mau.fi/olmcore/id"
)

// oneTimeKeyTarget is the number of one-time keys we try to keep
// published at once: half of the ratchet primitive's maximum, leaving
// headroom before the server-side cap is hit.
const oneTimeKeyTarget = olm.MaxOneTimeKeys / 2

// Account wraps the ratchet-level olm.Account with the device's own
// identifiers and the OTK-rotation policy from spec.md §4.3: it
// generates keys but never decides on its own when to publish them —
// that's OlmMachine's job, driven by server-reported counts.
type Account struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	mu      sync.Mutex
	inner   *olm.Account
	log     zerolog.Logger

	serverOTKCount int
}

// NewAccount creates a brand new account for a device. Called exactly
// once per device's lifetime; the result must be persisted immediately
// via Store.SaveAccount.
func NewAccount(userID id.UserID, deviceID id.DeviceID, log zerolog.Logger) (*Account, error) {
	inner, err := olm.NewAccount()
	if err != nil {
		return nil, err
	}
	return &Account{UserID: userID, DeviceID: deviceID, inner: inner, log: log}, nil
}

// IdentityKeys returns the account's long-term curve25519/ed25519 keys.
func (a *Account) IdentityKeys() (curve25519 id.Curve25519, ed25519 id.Ed25519) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return id.Curve25519(id.EncodeUnpadded(a.inner.IdentityKeys.PublicKey[:])),
		id.Ed25519(id.EncodeUnpadded(a.inner.SigningKeys.PublicKey))
}

// Sign signs canonical JSON bytes with the account's ed25519 key,
// returning the base64 signature as stored in a `signatures` object.
func (a *Account) Sign(canonicalJSON []byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return id.EncodeUnpadded(a.inner.Sign(canonicalJSON))
}

// SignJSON canonicalizes obj (sorted keys, no insignificant whitespace)
// and signs it, returning the signature to attach under
// signatures[userID][ed25519:deviceID].
func (a *Account) SignJSON(obj map[string]any) (string, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return a.Sign(canonical), nil
}

// MaxOneTimeKeys is the ratchet primitive's cap on how many one-time
// keys may be outstanding at once.
func (a *Account) MaxOneTimeKeys() int {
	return olm.MaxOneTimeKeys
}

// OneTimeKeyCountHint records the server's view of how many of our
// one-time keys remain unclaimed, so OlmMachine can decide how many new
// ones to generate (target: half of MaxOneTimeKeys).
func (a *Account) OneTimeKeyCountHint(remoteCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverOTKCount = remoteCount
}

// NeedsNewOneTimeKeys reports whether we should top up the one-time key
// pool, and how many keys to generate to reach the target (half of
// MaxOneTimeKeys).
func (a *Account) NeedsNewOneTimeKeys() (count int, needed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serverOTKCount >= oneTimeKeyTarget {
		return 0, false
	}
	return oneTimeKeyTarget - a.serverOTKCount, true
}

// GenerateOneTimeKeys generates n new one-time keys. They remain
// unpublished until MarkKeysAsPublished is called.
func (a *Account) GenerateOneTimeKeys(n int) ([]olm.OneTimeKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.GenerateOneTimeKeys(n)
}

// GenerateFallbackKey rotates the fallback key. The previous fallback
// is retained so in-flight pre-key messages encrypted against it can
// still be decrypted (spec.md §4.3 rotation rule).
func (a *Account) GenerateFallbackKey() (olm.OneTimeKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.GenerateFallbackKey()
}

// UnpublishedKeysForUpload returns the one-time keys that haven't been
// confirmed published plus, if present, the current fallback key — the
// payload for a /keys/upload request. Whether the fallback key was
// already uploaded is not tracked, so it is included every time.
func (a *Account) UnpublishedKeysForUpload() (otks []olm.OneTimeKey, fallback *olm.OneTimeKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	otks = a.inner.UnpublishedOneTimeKeys()
	if fk, ok := a.inner.FallbackKey(); ok {
		fallback = &fk
	}
	return otks, fallback
}

// HasUnpublishedKeys reports whether a /keys/upload is needed.
func (a *Account) HasUnpublishedKeys() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inner.UnpublishedOneTimeKeys()) > 0
}

// MarkKeysAsPublished must be called after a successful /keys/upload
// response; before this, the one-time keys generated so far remain
// "pending" and are never re-offered as a different set.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inner.MarkKeysAsPublished()
}

// CreateOutboundSession creates a new Olm session to a peer device.
func (a *Account) CreateOutboundSession(theirIdentity id.Curve25519, theirOneTimeKey id.Curve25519) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	theirIdentityKey, err := decodeCurve25519(theirIdentity)
	if err != nil {
		return nil, err
	}
	theirOTK, err := decodeCurve25519(theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	inner, err := a.inner.CreateOutboundSession(theirIdentityKey, theirOTK)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             id.SessionID(inner.SessionID),
		SenderKey:      theirIdentity,
		peerOneTimeKey: theirOTK,
		inner:          inner,
	}, nil
}

// CreateInboundSession consumes the one-time key referenced in a
// pre-key message and establishes a new inbound session.
func (a *Account) CreateInboundSession(msg olm.PreKeyMessage) (*Session, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inner, plaintext, err := a.inner.CreateInboundSession(msg)
	if err != nil {
		return nil, nil, err
	}
	senderKey := id.Curve25519(id.EncodeUnpadded(msg.IdentityKey[:]))
	return &Session{ID: id.SessionID(inner.SessionID), SenderKey: senderKey, inner: inner}, plaintext, nil
}

// Pickle serializes the account for storage.
func (a *Account) Pickle(pickleKey []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inner.Pickle(pickleKey)
}

// LoadAccount restores a previously pickled account.
func LoadAccount(userID id.UserID, deviceID id.DeviceID, pickleKey, sealed []byte, log zerolog.Logger) (*Account, error) {
	inner, err := olm.UnpickleAccount(pickleKey, sealed)
	if err != nil {
		return nil, err
	}
	return &Account{UserID: userID, DeviceID: deviceID, inner: inner, log: log}, nil
}

func decodeCurve25519(k id.Curve25519) ([32]byte, error) {
	var out [32]byte
	raw, err := id.DecodeUnpadded(string(k))
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
