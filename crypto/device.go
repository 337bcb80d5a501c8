package crypto

import (
	"go.mau.fi/olmcore/id"
)

// TrustState is the local trust state of a device, set by the user or
// by cross-signing verification.
type TrustState int

const (
	TrustStateUnset TrustState = iota
	TrustStateVerified
	TrustStateBlacklisted
	TrustStateIgnored
)

// DeviceIdentity is a device record: its keys, algorithms, and local
// trust state. It's immutable except for DisplayName and trust state,
// which the store updates in place.
type DeviceIdentity struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	Curve25519 id.Curve25519
	Ed25519    id.Ed25519
	Algorithms []id.Algorithm
	Signatures id.Signatures

	DisplayName string
	Trust       TrustState

	// CrossSigningTrust is derived from the user's cross-signing state
	// (signed by a verified master key), not set directly by the user.
	CrossSigningTrust TrustState
}

// Verified reports overall trust: either an explicit local verification
// or a derived cross-signing trust, matching matrix-sdk-crypto's
// Device::verified() used by the backup auth-data check (§4.8).
func (d *DeviceIdentity) Verified() bool {
	return d.Trust == TrustStateVerified || d.CrossSigningTrust == TrustStateVerified
}

// TrackedUser is a user whose device list we keep current.
type TrackedUser struct {
	UserID id.UserID
	Dirty  bool
}

// CrossSigningKeys are a user's master/self-signing/user-signing keys,
// supplemented from original_source since the backup and verification
// components both consult cross-signing trust even though identity
// parsing itself is out of scope (SPEC_FULL.md §3).
type CrossSigningKeys struct {
	MasterKey      id.Ed25519
	SelfSigningKey id.Ed25519
	UserSigningKey id.Ed25519
	Signatures     id.Signatures
}

// OwnIdentity holds the local user's cross-signing keys, when known.
type OwnIdentity struct {
	UserID     id.UserID
	CrossSigningKeys
	Trust TrustState
}
