package crypto

import "go.mau.fi/olmcore/id"

// RequestType identifies which HTTP call an OutgoingRequest describes;
// the transport is external (SPEC_FULL.md §6), so OlmMachine only ever
// describes requests, it never performs them.
type RequestType int

const (
	RequestTypeKeysUpload RequestType = iota
	RequestTypeKeysQuery
	RequestTypeKeysClaim
	RequestTypeToDevice
	RequestTypeBackupUpload
	RequestTypeSignatureUpload
)

// KeysUploadRequest is the body of POST /keys/upload.
type KeysUploadRequest struct {
	OneTimeKeys map[id.KeyID]string
	FallbackKeys map[id.KeyID]string
	DeviceKeys  *DeviceKeysUpload
}

// DeviceKeysUpload is the signed device-keys object uploaded alongside
// one-time/fallback keys the first time an account publishes itself.
type DeviceKeysUpload struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	Algorithms []id.Algorithm
	Keys       map[id.KeyID]string
	Signatures id.Signatures
}

// KeysQueryRequest is the body of POST /keys/query: a set of users whose
// device lists we need refreshed.
type KeysQueryRequest struct {
	Users []id.UserID
}

// KeysClaimRequest is the body of POST /keys/claim: one-time-key claims
// keyed by user then device, each naming the algorithm to claim.
type KeysClaimRequest struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm
}

// ToDeviceRequest is the body of PUT /sendToDevice/{event_type}/{txn_id}:
// one bucket, at most DeviceBucketLimit devices, per the key-sharing
// scheduler's fanout cap.
type ToDeviceRequest struct {
	EventType string
	Messages  map[id.UserID]map[id.DeviceID]map[string]any
}

// DeviceBucketLimit is the recommended cap on devices per to-device
// request before the key-sharing scheduler splits into another bucket.
const DeviceBucketLimit = 250

// BackupUploadRequest is the body of PUT /room_keys/keys?version=V.
type BackupUploadRequest struct {
	Version string
	Rooms   map[id.RoomID]BackupRoomKeys
}

// BackupRoomKeys is one room's worth of encrypted session backups.
type BackupRoomKeys struct {
	Sessions map[id.SessionID]EncryptedSessionBackup
}

// EncryptedSessionBackup is a single session's encrypted export, in the
// shape the server stores opaquely.
type EncryptedSessionBackup struct {
	FirstMessageIndex uint32
	ForwardedCount    int
	IsVerified        bool
	SessionData       BackupSessionData
}

// BackupSessionData is the PK-encrypted payload of a backed-up session.
type BackupSessionData struct {
	Ciphertext string
	MAC        string
	Ephemeral  string
}

// SignatureUploadRequest is the body of the cross-signing
// signature-upload call emitted once a verification completes.
type SignatureUploadRequest struct {
	Signatures map[id.UserID]map[id.DeviceID]map[id.KeyID]string
}

// OutgoingRequest is one pending unit of work the orchestrator wants
// the transport to perform; ID is what MarkRequestAsSent takes. The
// backup engine hands out the same ID for its pending upload until that
// upload is acknowledged, but OlmMachine builds keys/upload and
// keys/query requests afresh, with a new ID, on every OutgoingRequests()
// call, and returns each key-sharing or verification request only once.
type OutgoingRequest struct {
	ID   string
	Type RequestType

	KeysUpload      *KeysUploadRequest
	KeysQuery       *KeysQueryRequest
	KeysClaim       *KeysClaimRequest
	ToDevice        *ToDeviceRequest
	BackupUpload    *BackupUploadRequest
	SignatureUpload *SignatureUploadRequest
}
