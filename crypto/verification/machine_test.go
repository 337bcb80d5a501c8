package verification_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto"
	"go.mau.fi/olmcore/crypto/verification"
	"go.mau.fi/olmcore/id"
)

type stubResolver struct {
	ed25519ByDevice map[id.DeviceID]id.Ed25519
}

func (s stubResolver) DeviceEd25519(_ id.UserID, device id.DeviceID) (id.Ed25519, bool) {
	key, ok := s.ed25519ByDevice[device]
	return key, ok
}

func (s stubResolver) OwnCrossSigningKeys() (id.Ed25519, bool) { return "", false }

func newAccount(t *testing.T, user id.UserID, device id.DeviceID) *crypto.Account {
	t.Helper()
	account, err := crypto.NewAccount(user, device, zerolog.Nop())
	require.NoError(t, err)
	return account
}

// TestSASFullFlowDerivesMatchingShortAuthString walks both machines
// through Created all the way to Done and checks that each side
// derives the identical SAS bytes and accepts the other's MAC.
func TestSASFullFlowDerivesMatchingShortAuthString(t *testing.T) {
	aliceAccount := newAccount(t, "@alice:example.org", "ALICEDEV")
	bobAccount := newAccount(t, "@bob:example.org", "BOBDEV")

	alice := verification.NewMachine(aliceAccount, stubResolver{ed25519ByDevice: map[id.DeviceID]id.Ed25519{}}, zerolog.Nop())
	bob := verification.NewMachine(bobAccount, stubResolver{ed25519ByDevice: map[id.DeviceID]id.Ed25519{}}, zerolog.Nop())

	aliceFlow := alice.StartRequest("@bob:example.org", "BOBDEV", []verification.Method{verification.MethodSAS})
	requestReqs := alice.PendingRequests()
	require.Len(t, requestReqs, 1)
	requestContent := requestReqs[0].ToDevice.Messages["@bob:example.org"]["BOBDEV"]

	bobFlow := bob.ReceiveRequest(aliceFlow.FlowID, "@alice:example.org", "ALICEDEV", requestContent["methods"].([]string))
	require.Equal(t, aliceFlow.FlowID, bobFlow.FlowID)

	require.NoError(t, bob.Ready(bobFlow.FlowID, []verification.Method{verification.MethodSAS}))
	bob.PendingRequests()

	require.NoError(t, alice.ReceiveReady(aliceFlow.FlowID, []verification.Method{verification.MethodSAS}))

	require.NoError(t, alice.StartSAS(aliceFlow.FlowID))
	startReqs := alice.PendingRequests()
	require.Len(t, startReqs, 1)
	startContent := startReqs[0].ToDevice.Messages["@bob:example.org"]["BOBDEV"]

	require.NoError(t, bob.ReceiveSASStart(bobFlow.FlowID))

	startCanonical, err := crypto.CanonicalJSON(startContent)
	require.NoError(t, err)
	require.NoError(t, bob.AcceptSAS(bobFlow.FlowID, startCanonical))
	bobAcceptReqs := bob.PendingRequests()
	require.Len(t, bobAcceptReqs, 2) // accept + key

	var bobCommitment string
	var bobKeyB64 string
	for _, req := range bobAcceptReqs {
		content := req.ToDevice.Messages["@alice:example.org"]["ALICEDEV"]
		if req.ToDevice.EventType == "m.key.verification.accept" {
			bobCommitment = content["commitment"].(string)
		} else {
			bobKeyB64 = content["key"].(string)
		}
	}
	require.NotEmpty(t, bobCommitment)
	require.NotEmpty(t, bobKeyB64)

	require.NoError(t, alice.ReceiveAccept(aliceFlow.FlowID, bobCommitment))
	aliceKeyReqs := alice.PendingRequests()
	require.Len(t, aliceKeyReqs, 1)
	aliceKeyB64 := aliceKeyReqs[0].ToDevice.Messages["@bob:example.org"]["BOBDEV"]["key"].(string)

	bobKeyRaw, err := id.DecodeUnpadded(bobKeyB64)
	require.NoError(t, err)
	var bobKeyArr [32]byte
	copy(bobKeyArr[:], bobKeyRaw)

	aliceKeyRaw, err := id.DecodeUnpadded(aliceKeyB64)
	require.NoError(t, err)
	var aliceKeyArr [32]byte
	copy(aliceKeyArr[:], aliceKeyRaw)

	aliceSAS, err := alice.ExchangeKeys(aliceFlow.FlowID, bobKeyArr)
	require.NoError(t, err)
	bobSAS, err := bob.ExchangeKeys(bobFlow.FlowID, aliceKeyArr)
	require.NoError(t, err)
	require.Equal(t, aliceSAS, bobSAS)

	aliceEmojis := verification.SASEmojis(aliceSAS)
	bobEmojis := verification.SASEmojis(bobSAS)
	require.Equal(t, aliceEmojis, bobEmojis)

	require.NoError(t, alice.SendMAC(aliceFlow.FlowID))
	aliceMACReqs := alice.PendingRequests()
	require.Len(t, aliceMACReqs, 1)
	aliceMACContent := aliceMACReqs[0].ToDevice.Messages["@bob:example.org"]["BOBDEV"]

	require.NoError(t, bob.SendMAC(bobFlow.FlowID))
	bobMACReqs := bob.PendingRequests()
	require.Len(t, bobMACReqs, 1)
	bobMACContent := bobMACReqs[0].ToDevice.Messages["@alice:example.org"]["ALICEDEV"]

	aliceKeysByID := map[id.KeyID]string{
		id.NewKeyID(id.KeyAlgorithmEd25519, "ALICEDEV"): mustEd25519(t, aliceAccount),
	}
	bobKeysByID := map[id.KeyID]string{
		id.NewKeyID(id.KeyAlgorithmEd25519, "BOBDEV"): mustEd25519(t, bobAccount),
	}

	ok := bob.ReceiveMAC(bobFlow.FlowID, aliceKeysByID, toMACMap(t, aliceMACContent["mac"]))
	require.True(t, ok)
	ok = alice.ReceiveMAC(aliceFlow.FlowID, bobKeysByID, toMACMap(t, bobMACContent["mac"]))
	require.True(t, ok)

	require.NoError(t, alice.MarkDone(aliceFlow.FlowID))
	require.NoError(t, bob.MarkDone(bobFlow.FlowID))

	aliceF, ok := alice.Flow(aliceFlow.FlowID)
	require.True(t, ok)
	require.Equal(t, verification.StateDone, aliceF.State)
}

func mustEd25519(t *testing.T, account *crypto.Account) string {
	t.Helper()
	_, ed := account.IdentityKeys()
	return string(ed)
}

func toMACMap(t *testing.T, raw any) map[id.KeyID]string {
	t.Helper()
	m, ok := raw.(map[id.KeyID]string)
	require.True(t, ok)
	return m
}

func TestQRShowAndScanRoundTrip(t *testing.T) {
	aliceAccount := newAccount(t, "@alice:example.org", "ALICEDEV")
	bobAccount := newAccount(t, "@bob:example.org", "BOBDEV")

	alice := verification.NewMachine(aliceAccount, stubResolver{ed25519ByDevice: map[id.DeviceID]id.Ed25519{}}, zerolog.Nop())
	bob := verification.NewMachine(bobAccount, stubResolver{ed25519ByDevice: map[id.DeviceID]id.Ed25519{}}, zerolog.Nop())

	aliceFlow := alice.StartRequest("@bob:example.org", "BOBDEV", []verification.Method{verification.MethodQR})
	alice.PendingRequests()
	bobFlow := bob.ReceiveRequest(aliceFlow.FlowID, "@alice:example.org", "ALICEDEV", []string{string(verification.MethodQR)})

	require.NoError(t, bob.Ready(bobFlow.FlowID, []verification.Method{verification.MethodQR}))
	bob.PendingRequests()
	require.NoError(t, alice.ReceiveReady(aliceFlow.FlowID, []verification.Method{verification.MethodQR}))

	payload, err := alice.BeginQRShow(aliceFlow.FlowID, verification.QRModeCrossUser, "firstkey", "secondkey")
	require.NoError(t, err)

	png, err := verification.GenerateQRCode(payload, 128)
	require.NoError(t, err)
	require.NotEmpty(t, png)

	encoded := verification.EncodeQRPayload(payload)
	decoded, err := verification.ParseQRPayload(encoded)
	require.NoError(t, err)
	require.Equal(t, payload.SharedSecret, decoded.SharedSecret)

	require.NoError(t, bob.ScanQR(bobFlow.FlowID, decoded))
	require.NoError(t, bob.Reciprocate(bobFlow.FlowID))
	reciprocateReqs := bob.PendingRequests()
	require.Len(t, reciprocateReqs, 1)
	proof := reciprocateReqs[0].ToDevice.Messages["@alice:example.org"]["ALICEDEV"]["secret"].(string)

	ok := alice.ReceiveQRReciprocate(aliceFlow.FlowID, proof, "BOBDEV")
	require.True(t, ok)

	require.NoError(t, alice.MarkDone(aliceFlow.FlowID))
	require.NoError(t, bob.MarkDone(bobFlow.FlowID))

	bobF, ok := bob.Flow(bobFlow.FlowID)
	require.True(t, ok)
	require.Equal(t, verification.StateDone, bobF.State)
}

func TestCancelIsTerminal(t *testing.T) {
	account := newAccount(t, "@alice:example.org", "ALICEDEV")
	m := verification.NewMachine(account, stubResolver{}, zerolog.Nop())

	flow := m.StartRequest("@bob:example.org", "BOBDEV", []verification.Method{verification.MethodSAS})
	m.PendingRequests()
	m.Cancel(flow.FlowID, verification.CancelUser, "no longer needed")
	m.PendingRequests()

	err := m.Ready(flow.FlowID, []verification.Method{verification.MethodSAS})
	require.NoError(t, err)
	f, ok := m.Flow(flow.FlowID)
	require.True(t, ok)
	require.Equal(t, verification.StateCancelled, f.State)
}
