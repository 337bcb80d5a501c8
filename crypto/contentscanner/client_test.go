package contentscanner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

// fakeScanner stands in for a content-scanner deployment: it serves a
// real public key and replies to scan_encrypted according to whatever
// verdict the test configured for the requested file's mxc URL.
type fakeScanner struct {
	t       *testing.T
	private [32]byte
	public  [32]byte
	verdict map[string]func() (int, any)
}

func newFakeScanner(t *testing.T) *fakeScanner {
	t.Helper()
	pair, err := gcrypto.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	return &fakeScanner{t: t, private: pair.PrivateKey, public: pair.PublicKey, verdict: map[string]func() (int, any){}}
}

func (s *fakeScanner) server() *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/_matrix/media_proxy/unstable/public_key", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: id.EncodeUnpadded(s.public[:])})
	})
	r.HandleFunc("/_matrix/media_proxy/unstable/scan_encrypted", func(w http.ResponseWriter, req *http.Request) {
		var body ScanRequest
		require.NoError(s.t, json.NewDecoder(req.Body).Decode(&body))

		ciphertext, err := id.DecodeUnpadded(body.EncryptedBody.Ciphertext)
		require.NoError(s.t, err)
		mac, err := id.DecodeUnpadded(body.EncryptedBody.MAC)
		require.NoError(s.t, err)
		ephemeralRaw, err := id.DecodeUnpadded(body.EncryptedBody.Ephemeral)
		require.NoError(s.t, err)
		var ephemeral [32]byte
		copy(ephemeral[:], ephemeralRaw)

		plaintext, err := pkDecrypt(s.private, ephemeral, ciphertext, mac)
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(scanResponseBody{Reason: reasonBadDecryption, Info: "bad mac"})
			return
		}
		var dto encryptedFileDTO
		require.NoError(s.t, json.Unmarshal(plaintext, &dto))

		verdict, ok := s.verdict[dto.File.URL]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status, payload := verdict()
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	})
	return httptest.NewServer(r)
}

func TestScanInterpretsCleanResponseAsTrusted(t *testing.T) {
	scanner := newFakeScanner(t)
	srv := scanner.server()
	defer srv.Close()

	file := EncryptedFile{URL: "mxc://example.org/clean"}
	clean := true
	scanner.verdict[file.URL] = func() (int, any) { return http.StatusOK, scanResponseBody{Clean: &clean, Info: "ok"} }

	client, err := NewClient(srv.Client(), srv.URL, 0, zerolog.Nop())
	require.NoError(t, err)

	state, err := client.Scan(file)
	require.NoError(t, err)
	require.Equal(t, StateTrusted, state)

	// Second lookup is served from cache without another round trip.
	delete(scanner.verdict, file.URL)
	state, err = client.Scan(file)
	require.NoError(t, err)
	require.Equal(t, StateTrusted, state)
}

func TestScanMapsForbiddenReasonsToScanStates(t *testing.T) {
	scanner := newFakeScanner(t)
	srv := scanner.server()
	defer srv.Close()

	client, err := NewClient(srv.Client(), srv.URL, 0, zerolog.Nop())
	require.NoError(t, err)

	cases := []struct {
		reason string
		want   ScanState
	}{
		{reasonMediaNotClean, StateInfected},
		{reasonMimeTypeForbidden, StateMimeTypeNotAllowed},
	}
	for i, tc := range cases {
		file := EncryptedFile{URL: "mxc://example.org/" + tc.reason}
		reason := tc.reason
		scanner.verdict[file.URL] = func() (int, any) { return http.StatusForbidden, scanResponseBody{Reason: reason} }

		state, err := client.Scan(file)
		require.NoError(t, err, "case %d", i)
		require.Equal(t, tc.want, state)
	}
}

func TestScanUnknownMediaIsNotFound(t *testing.T) {
	scanner := newFakeScanner(t)
	srv := scanner.server()
	defer srv.Close()

	client, err := NewClient(srv.Client(), srv.URL, 0, zerolog.Nop())
	require.NoError(t, err)

	file := EncryptedFile{URL: "mxc://example.org/missing"}
	state, err := client.Scan(file)
	require.NoError(t, err)
	require.Equal(t, StateNotFound, state)
}

func TestInfectedVerdictIsNeverEvictedFromCache(t *testing.T) {
	scanner := newFakeScanner(t)
	srv := scanner.server()
	defer srv.Close()

	client, err := NewClient(srv.Client(), srv.URL, 1, zerolog.Nop())
	require.NoError(t, err)

	infectedFile := EncryptedFile{URL: "mxc://example.org/infected"}
	scanner.verdict[infectedFile.URL] = func() (int, any) {
		return http.StatusForbidden, scanResponseBody{Reason: reasonMediaNotClean}
	}
	state, err := client.Scan(infectedFile)
	require.NoError(t, err)
	require.Equal(t, StateInfected, state)

	// Cache capacity is 1: scanning a second, unrelated, clean file
	// would evict anything kept in the bounded LRU, but infected
	// verdicts live outside it.
	otherFile := EncryptedFile{URL: "mxc://example.org/other"}
	clean := true
	scanner.verdict[otherFile.URL] = func() (int, any) { return http.StatusOK, scanResponseBody{Clean: &clean} }
	_, err = client.Scan(otherFile)
	require.NoError(t, err)

	delete(scanner.verdict, infectedFile.URL)
	state, err = client.Scan(infectedFile)
	require.NoError(t, err)
	require.Equal(t, StateInfected, state)
}

func TestDecryptMediaFileRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i * 3)
	}
	plaintext := []byte("hello, encrypted media")
	ciphertext, err := gcrypto.AESCTR(key, iv, plaintext)
	require.NoError(t, err)

	file := EncryptedFile{
		Key:    JSONWebKey{Kty: "oct", Alg: "A256CTR", K: id.EncodeUnpadded(key)},
		IV:     id.EncodeUnpadded(iv),
		Hashes: map[string]string{"sha256": id.EncodeUnpadded(gcrypto.SHA256(ciphertext))},
	}

	decrypted, err := DecryptMediaFile(file, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)

	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 0xFF
	_, err = DecryptMediaFile(file, tampered)
	require.ErrorIs(t, err, ErrFileHashMismatch)
}
