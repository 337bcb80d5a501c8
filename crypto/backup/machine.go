package backup

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.mau.fi/olmcore/crypto"
	"go.mau.fi/olmcore/crypto/goolm/megolm"
	"go.mau.fi/olmcore/id"
)

// BatchSize is the largest number of sessions assembled into a single
// backup upload request at a time (spec.md §4.8).
const BatchSize = 100

// State is the backup engine's externally-observable lifecycle, the
// enum the orchestrator's UI layer may poll (SPEC_FULL.md §6).
type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateEnabled
	StateDownloading
	StateCreating
)

// batchedSession is a session captured into a pending upload, so
// MarkRequestAsSent can re-check it hasn't since regressed to a lower
// first_known_index before marking it backed up.
type batchedSession struct {
	session *crypto.InboundGroupSession
	atIndex uint32
}

// Machine is the backup engine (C8): it holds the active backup public
// key, assembles and PK-encrypts upload batches from an
// InboundGroupStore, and verifies whether a remote backup's auth data
// is trustworthy. It implements crypto.BackupHook so an OlmMachine can
// aggregate its pending upload without importing this package.
type Machine struct {
	log zerolog.Logger

	account *crypto.Account
	inbound *crypto.InboundGroupStore

	mu         sync.Mutex
	state      State
	publicKey  [32]byte
	version    string
	privateKey *[32]byte

	pendingRequest  *crypto.OutgoingRequest
	pendingSessions []batchedSession
}

func NewMachine(account *crypto.Account, inbound *crypto.InboundGroupStore, log zerolog.Logger) *Machine {
	return &Machine{account: account, inbound: inbound, log: log, state: StateDisabled}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnableBackup activates version as the backup to upload to, under
// publicKey. Immediately marks the backup state active; callers that
// also know the private key (restoring their own backup) should follow
// with SetPrivateKey.
func (m *Machine) EnableBackup(publicKey id.Curve25519, version string) error {
	raw, err := id.DecodeUnpadded(string(publicKey))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.publicKey[:], raw)
	m.version = version
	m.state = StateEnabled
	return nil
}

// SetPrivateKey attaches the private half of the active backup key, so
// this machine can also decrypt backed-up sessions (for DownloadAndImport).
func (m *Machine) SetPrivateKey(privateKey [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privateKey = &privateKey
}

// ImportRecoveryKey decodes a user-typed/scanned recovery key string
// and attaches it as this machine's private key, after checking it
// actually corresponds to the active backup's public key so a typo or
// a key from a different backup generation is rejected up front.
func (m *Machine) ImportRecoveryKey(recoveryKey string) error {
	privateKey, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return err
	}
	derivedPublic, err := PublicKeyFor(privateKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	active := id.Curve25519(id.EncodeUnpadded(m.publicKey[:]))
	m.mu.Unlock()
	if active != derivedPublic {
		return ErrRecoveryKeyMismatch
	}

	m.SetPrivateKey(privateKey)
	return nil
}

// DisableBackup clears the active key and any pending upload, and
// resets every session's backed_up flag via the store, matching §4.8's
// "disabling" behavior: a later re-enable starts from a clean slate
// because there is no guarantee the new backup version covers what the
// old one did.
func (m *Machine) DisableBackup(reset func() error) error {
	m.mu.Lock()
	m.state = StateDisabled
	m.publicKey = [32]byte{}
	m.version = ""
	m.privateKey = nil
	m.pendingRequest = nil
	m.pendingSessions = nil
	m.mu.Unlock()
	return reset()
}

// Backup returns the current pending upload request, creating one if
// none is pending and sessions need backing up. Returns nil if backup
// is disabled or there is nothing left to back up, matching
// Option<OutgoingRequest> from spec.md §4.8.
func (m *Machine) Backup() (*crypto.OutgoingRequest, error) {
	m.mu.Lock()
	if m.pendingRequest != nil {
		req := *m.pendingRequest
		m.mu.Unlock()
		return &req, nil
	}
	if m.state != StateEnabled && m.state != StateCreating {
		m.mu.Unlock()
		return nil, nil
	}
	publicKey := m.publicKey
	version := m.version
	m.state = StateCreating
	m.mu.Unlock()

	sessions := m.inbound.WithBackupPending(BatchSize)
	if len(sessions) == 0 {
		m.mu.Lock()
		m.state = StateEnabled
		m.mu.Unlock()
		return nil, nil
	}

	rooms := make(map[id.RoomID]crypto.BackupRoomKeys)
	batched := make([]batchedSession, 0, len(sessions))
	for _, s := range sessions {
		encrypted, atIndex, err := m.encryptSession(publicKey, s)
		if err != nil {
			return nil, err
		}
		roomKeys, ok := rooms[s.RoomID]
		if !ok {
			roomKeys = crypto.BackupRoomKeys{Sessions: make(map[id.SessionID]crypto.EncryptedSessionBackup)}
			rooms[s.RoomID] = roomKeys
		}
		roomKeys.Sessions[s.SessionID()] = encrypted
		batched = append(batched, batchedSession{session: s, atIndex: atIndex})
	}

	req := crypto.OutgoingRequest{
		ID:   uuid.NewString(),
		Type: crypto.RequestTypeBackupUpload,
		BackupUpload: &crypto.BackupUploadRequest{
			Version: version,
			Rooms:   rooms,
		},
	}
	m.log.Debug().Int("sessions", len(batched)).Str("version", version).Msg("assembled backup batch")

	m.mu.Lock()
	m.state = StateEnabled
	m.pendingRequest = &req
	m.pendingSessions = batched
	m.mu.Unlock()
	return &req, nil
}

func (m *Machine) encryptSession(publicKey [32]byte, s *crypto.InboundGroupSession) (crypto.EncryptedSessionBackup, uint32, error) {
	exported, err := s.ExportForForwardingOrBackup()
	if err != nil {
		return crypto.EncryptedSessionBackup{}, 0, err
	}

	chain := make([]string, len(s.ForwardingChain))
	for i, key := range s.ForwardingChain {
		chain[i] = string(key)
	}
	data := MegolmSessionData{
		Algorithm:          id.AlgorithmMegolmV1,
		ForwardingKeyChain: chain,
		SenderClaimedKeys:  map[id.KeyAlgorithm]string{id.KeyAlgorithmEd25519: string(s.ClaimedEd25519)},
		SenderKey:          s.SenderKey,
		SessionKey:         encodeExportedSessionKey(exported),
	}
	plaintext, err := marshalSessionData(data)
	if err != nil {
		return crypto.EncryptedSessionBackup{}, 0, err
	}

	ciphertext, mac, ephemeral, err := pkEncrypt(publicKey, plaintext)
	if err != nil {
		return crypto.EncryptedSessionBackup{}, 0, err
	}

	return crypto.EncryptedSessionBackup{
		FirstMessageIndex: exported.Index,
		ForwardedCount:    len(s.ForwardingChain),
		IsVerified:        len(s.ForwardingChain) == 0,
		SessionData: crypto.BackupSessionData{
			Ciphertext: id.EncodeUnpadded(ciphertext),
			MAC:        id.EncodeUnpadded(mac),
			Ephemeral:  id.EncodeUnpadded(ephemeral),
		},
	}, exported.Index, nil
}

// MarkRequestAsSent applies the upload's completion per §4.8: every
// session referenced is marked backed_up, unless it was re-received at
// a lower first_known_index in the interim — that copy still needs its
// own backup, so marking it now would lose coverage.
func (m *Machine) MarkRequestAsSent(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingRequest == nil || m.pendingRequest.ID != requestID {
		return
	}
	for _, b := range m.pendingSessions {
		if b.session.FirstKnownIndex() == b.atIndex {
			b.session.BackedUp = true
		}
	}
	m.pendingRequest = nil
	m.pendingSessions = nil
}

// PendingUpload implements crypto.BackupHook.
func (m *Machine) PendingUpload() *crypto.OutgoingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingRequest == nil {
		return nil
	}
	req := *m.pendingRequest
	return &req
}

// VerifyBackup checks whether authData carries an ed25519 signature
// from our own account's device key or from a device isVerified
// reports as trusted, per §4.8's "gates whether to trust the remote
// backup as ours" rule.
func (m *Machine) VerifyBackup(authData MegolmAuthData, ourDeviceID id.DeviceID, isVerified func(id.UserID, id.DeviceID) (id.Ed25519, bool)) bool {
	body, err := signedBackupAuthDataBody(authData)
	if err != nil {
		return false
	}

	_, ourDeviceKey := m.account.IdentityKeys()
	ourKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(ourDeviceID))
	if sig, ok := authData.Signatures.Get(m.account.UserID, ourKeyID); ok {
		if verifyEd25519Signature(ourDeviceKey, body, sig) {
			return true
		}
	}

	for user, byKey := range authData.Signatures {
		for keyID, sig := range byKey {
			deviceID := id.DeviceID(keyIDDevicePart(keyID))
			ed25519Key, verified := isVerified(user, deviceID)
			if !verified {
				continue
			}
			if verifyEd25519Signature(ed25519Key, body, sig) {
				return true
			}
		}
	}
	return false
}

// DownloadAndImport decrypts a backed-up session's blob with this
// machine's private key and imports it, for the backup-restore flow
// (S4 in SPEC_FULL.md): a second store, given only the recovery key,
// ends up able to decrypt what the first store could.
func (m *Machine) DownloadAndImport(room id.RoomID, sessionID id.SessionID, entry crypto.EncryptedSessionBackup) (*crypto.InboundGroupSession, error) {
	m.mu.Lock()
	privateKey := m.privateKey
	m.mu.Unlock()
	if privateKey == nil {
		return nil, errNoPrivateKey
	}

	ciphertext, err := id.DecodeUnpadded(entry.SessionData.Ciphertext)
	if err != nil {
		return nil, err
	}
	mac, err := id.DecodeUnpadded(entry.SessionData.MAC)
	if err != nil {
		return nil, err
	}
	ephemeralRaw, err := id.DecodeUnpadded(entry.SessionData.Ephemeral)
	if err != nil {
		return nil, err
	}
	var ephemeral [32]byte
	copy(ephemeral[:], ephemeralRaw)

	plaintext, err := pkDecrypt(*privateKey, ephemeral, ciphertext, mac)
	if err != nil {
		return nil, err
	}
	data, err := unmarshalSessionData(plaintext)
	if err != nil {
		return nil, err
	}
	exported, err := decodeExportedSessionKey(data.SessionKey)
	if err != nil {
		return nil, err
	}

	chain := make([]id.Curve25519, len(data.ForwardingKeyChain))
	for i, key := range data.ForwardingKeyChain {
		chain[i] = id.Curve25519(key)
	}
	claimedEd25519 := id.Ed25519(data.SenderClaimedKeys[id.KeyAlgorithmEd25519])

	session, err := crypto.NewInboundGroupSessionFromForward(room, data.SenderKey, claimedEd25519, chain, exported)
	if err != nil {
		return nil, err
	}
	if session.SessionID() != sessionID {
		return nil, errSessionIDMismatch
	}
	session.BackedUp = true
	m.inbound.Save(session)
	return session, nil
}

func encodeExportedSessionKey(ek megolm.ExportedSessionKey) []byte {
	out := make([]byte, 0, 1+4+len(ek.Ratchet)+32)
	out = append(out, ek.Version)
	out = append(out, byte(ek.Index>>24), byte(ek.Index>>16), byte(ek.Index>>8), byte(ek.Index))
	out = append(out, ek.Ratchet[:]...)
	out = append(out, ek.SigningPub[:]...)
	return out
}

func decodeExportedSessionKey(raw []byte) (megolm.ExportedSessionKey, error) {
	var ek megolm.ExportedSessionKey
	if len(ek.Ratchet)+1+4+32 != len(raw) {
		return ek, errMalformedSessionKey
	}
	ek.Version = raw[0]
	ek.Index = uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
	copy(ek.Ratchet[:], raw[5:5+len(ek.Ratchet)])
	copy(ek.SigningPub[:], raw[5+len(ek.Ratchet):])
	return ek, nil
}
