package crypto

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/olmcore/id"
)

// KeySharingScheduler computes the to-device fanout needed to share an
// outbound group session with a set of devices (C7): it never talks to
// the network itself, it only turns "this session needs sharing with
// these devices" into OutgoingRequest values and the pending-share
// bookkeeping on the session.
type KeySharingScheduler struct {
	account  *Account
	sessions *SessionRegistry
}

func NewKeySharingScheduler(account *Account, sessions *SessionRegistry) *KeySharingScheduler {
	return &KeySharingScheduler{account: account, sessions: sessions}
}

// ShareResult is the outcome of one ShareGroupSession call: to-device
// requests ready to send, plus a claim request for devices we don't yet
// have an Olm session with (the caller must claim, establish sessions
// via Account.CreateOutboundSession, then call ShareGroupSession again —
// the devices that already have sessions this round are not re-claimed
// because RecordPendingShare already marked them pending).
type ShareResult struct {
	ToDevice []OutgoingRequest
	Claim    *OutgoingRequest
}

// ShareGroupSession implements §4.7 steps 1-5: compute the devices that
// still need this session, split by whether an Olm session already
// exists, bucket the ones that do into to-device requests capped at
// DeviceBucketLimit, and describe a /keys/claim for the ones that
// don't.
func (k *KeySharingScheduler) ShareGroupSession(session *OutboundGroupSession, target []DeviceIdentity, ourSenderKey id.Curve25519) (ShareResult, error) {
	needs := session.NeedsSharingWith(target)
	if len(needs) == 0 {
		return ShareResult{}, nil
	}

	var haveSession []DeviceIdentity
	var needClaim []DeviceIdentity
	for _, d := range needs {
		if len(k.sessions.Sessions(d.Curve25519)) > 0 {
			haveSession = append(haveSession, d)
		} else {
			needClaim = append(needClaim, d)
		}
	}

	result := ShareResult{}

	for _, bucket := range bucketByUser(haveSession, DeviceBucketLimit) {
		req, err := k.buildToDeviceRequest(session, bucket, ourSenderKey)
		if err != nil {
			return ShareResult{}, err
		}
		session.RecordPendingShare(req.ID, bucket, ourSenderKey)
		result.ToDevice = append(result.ToDevice, req)
	}

	if len(needClaim) > 0 {
		claim := &KeysClaimRequest{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm)}
		for _, d := range needClaim {
			if claim.OneTimeKeys[d.UserID] == nil {
				claim.OneTimeKeys[d.UserID] = make(map[id.DeviceID]id.KeyAlgorithm)
			}
			claim.OneTimeKeys[d.UserID][d.DeviceID] = id.KeyAlgorithmSigned
		}
		result.Claim = &OutgoingRequest{ID: uuid.NewString(), Type: RequestTypeKeysClaim, KeysClaim: claim}
	}

	return result, nil
}

// buildToDeviceRequest olm-encrypts the room-key payload for each device
// in bucket and assembles one to-device request, per step 4. The
// payload is built per-recipient rather than shared across the bucket,
// since it embeds the "sender"/"recipient"/"recipient_keys" identity
// fields the receiving device's decryptToDeviceEvent checks against
// ErrMismatchedIdentity — those differ per device even though the room
// key itself doesn't.
func (k *KeySharingScheduler) buildToDeviceRequest(session *OutboundGroupSession, bucket []DeviceIdentity, ourSenderKey id.Curve25519) (OutgoingRequest, error) {
	messages := make(map[id.UserID]map[id.DeviceID]map[string]any)
	sessionKey := session.ExportAtCurrentIndex()
	encodedKey, err := EncodeSessionKey(sessionKey)
	if err != nil {
		return OutgoingRequest{}, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, d := range bucket {
		d := d
		sessions := k.sessions.Sessions(d.Curve25519)
		if len(sessions) == 0 {
			continue
		}
		target := sessions[0]
		g.Go(func() error {
			payload := map[string]any{
				"algorithm":   string(id.AlgorithmMegolmV1),
				"room_id":     string(session.RoomID),
				"session_id":  string(session.SessionID()),
				"session_key": encodedKey,
				"sender":      string(k.account.UserID),
				"recipient":   string(d.UserID),
				"recipient_keys": map[string]any{
					"ed25519": string(d.Ed25519),
				},
			}
			encrypted, err := target.Encrypt(canonicalPayloadBytes(payload))
			if err != nil {
				return err
			}
			body := toDeviceCiphertextBody(ourSenderKey, encrypted)
			mu.Lock()
			if messages[d.UserID] == nil {
				messages[d.UserID] = make(map[id.DeviceID]map[string]any)
			}
			messages[d.UserID][d.DeviceID] = body
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return OutgoingRequest{}, err
	}

	return OutgoingRequest{
		ID:   uuid.NewString(),
		Type: RequestTypeToDevice,
		ToDevice: &ToDeviceRequest{
			EventType: "m.room.encrypted",
			Messages:  messages,
		},
	}, nil
}

func toDeviceCiphertextBody(senderKey id.Curve25519, result EncryptResult) map[string]any {
	body, err := EncodeOlmMessage(result)
	if err != nil {
		panic(err)
	}
	return map[string]any{
		"algorithm":  string(id.AlgorithmOlmV1),
		"sender_key": string(senderKey),
		"type":       result.Type,
		"body":       body,
	}
}

// canonicalPayloadBytes is a thin helper so callers building a to-device
// payload from a map don't have to repeat the canonicalization dance;
// it's intentionally permissive about the error since these payloads
// are built from our own well-formed data, never external input.
func canonicalPayloadBytes(payload map[string]any) []byte {
	b, err := CanonicalJSON(payload)
	if err != nil {
		panic(err)
	}
	return b
}

// bucketByUser groups devices by user and splits into buckets of at
// most limit devices total, keeping a user's devices in one bucket (the
// per-user message map is the unit the to-device API addresses) unless
// that user alone has more than limit devices; those are split into
// full buckets plus a remainder.
func bucketByUser(devices []DeviceIdentity, limit int) [][]DeviceIdentity {
	if len(devices) == 0 {
		return nil
	}
	byUser := make(map[id.UserID][]DeviceIdentity)
	var order []id.UserID
	for _, d := range devices {
		if _, ok := byUser[d.UserID]; !ok {
			order = append(order, d.UserID)
		}
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}

	var buckets [][]DeviceIdentity
	var current []DeviceIdentity
	for _, u := range order {
		group := byUser[u]
		if len(current)+len(group) > limit && len(current) > 0 {
			buckets = append(buckets, current)
			current = nil
		}
		for len(group) > limit {
			buckets = append(buckets, group[:limit])
			group = group[limit:]
		}
		current = append(current, group...)
	}
	if len(current) > 0 {
		buckets = append(buckets, current)
	}
	return buckets
}
