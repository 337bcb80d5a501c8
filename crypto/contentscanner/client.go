package contentscanner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPublicKeyUnavailable = errors.New("contentscanner: public key not available")
	ErrMalformedResponse    = errors.New("contentscanner: malformed response body")
)

// Client talks to a single content-scanner deployment: it fetches and
// caches the scanner's public key, PK-encrypts scan/download requests
// under it, and interprets the scanner's verdicts.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	log     zerolog.Logger

	cache *mediaCache

	keyGroup singleflight.Group
	keyMu    sync.RWMutex
	key      [32]byte
	keySet   bool
}

// NewClient builds a content-scanner client for the scanner reachable
// at baseURL. cacheSize <= 0 uses DefaultCacheSize.
func NewClient(httpClient *http.Client, baseURL string, cacheSize int, log zerolog.Logger) (*Client, error) {
	if !strings.HasPrefix(baseURL, "https://") && !strings.HasPrefix(baseURL, "http://") {
		baseURL = "https://" + baseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:    httpClient,
		baseURL: parsed,
		log:     log,
		cache:   newMediaCache(cacheSize),
	}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = u.Path + strings.TrimPrefix(path, "/")
	return u.String()
}

// PublicKey returns the scanner's curve25519 public key, fetching it
// at most once concurrently (single-flight) and caching it for the
// life of the client. Callers that see a decryption failure on a scan
// should call ForceRefreshPublicKey and retry once, per spec.md §4.10.
func (c *Client) PublicKey() ([32]byte, error) {
	c.keyMu.RLock()
	if c.keySet {
		key := c.key
		c.keyMu.RUnlock()
		return key, nil
	}
	c.keyMu.RUnlock()

	v, err, _ := c.keyGroup.Do("public_key", func() (any, error) {
		return c.fetchPublicKey()
	})
	if err != nil {
		return [32]byte{}, err
	}
	return v.([32]byte), nil
}

// ForceRefreshPublicKey discards the cached public key so the next
// PublicKey call re-fetches it. Scan calls it once after a scan comes
// back with an Error verdict (which includes MCS_BAD_DECRYPTION), in
// case the scanner rotated its key.
func (c *Client) ForceRefreshPublicKey() {
	c.keyMu.Lock()
	c.keySet = false
	c.keyMu.Unlock()
}

func (c *Client) fetchPublicKey() ([32]byte, error) {
	resp, err := c.http.Get(c.endpoint("_matrix/media_proxy/unstable/public_key"))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %w", ErrPublicKeyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return [32]byte{}, fmt.Errorf("%w: status %d", ErrPublicKeyUnavailable, resp.StatusCode)
	}
	var body publicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %w", ErrPublicKeyUnavailable, err)
	}
	raw, err := decodeBase64URLOrStd(body.PublicKey)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, ErrPublicKeyUnavailable
	}
	var key [32]byte
	copy(key[:], raw)

	c.keyMu.Lock()
	c.key, c.keySet = key, true
	c.keyMu.Unlock()
	return key, nil
}

// BuildScanRequest PK-encrypts file under the scanner's public key,
// producing the body both scan_encrypted and download_encrypted send.
func (c *Client) BuildScanRequest(file EncryptedFile) (ScanRequest, error) {
	key, err := c.PublicKey()
	if err != nil {
		return ScanRequest{}, err
	}
	metadata, err := buildEncryptedMetadata(key, file)
	if err != nil {
		return ScanRequest{}, err
	}
	return ScanRequest{EncryptedBody: metadata}, nil
}

// Scan asks the content scanner to vet file, consulting and updating
// the per-media cache keyed on file.URL. On any Error verdict (a
// decryption failure or any other error response) it refreshes the
// scanner's public key once and retries the whole scan.
func (c *Client) Scan(file EncryptedFile) (ScanState, error) {
	if state, ok := c.cache.get(file.URL); ok {
		return state, nil
	}
	state, err := c.scanOnce(file)
	if err != nil {
		return StateError, err
	}
	if state == StateError {
		c.ForceRefreshPublicKey()
		state, err = c.scanOnce(file)
		if err != nil {
			return StateError, err
		}
	}
	c.cache.set(file.URL, state)
	return state, nil
}

func (c *Client) scanOnce(file EncryptedFile) (ScanState, error) {
	request, err := c.BuildScanRequest(file)
	if err != nil {
		return StateError, err
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return StateError, err
	}
	resp, err := c.http.Post(c.endpoint("_matrix/media_proxy/unstable/scan_encrypted"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return StateError, err
	}
	defer resp.Body.Close()

	var body scanResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// A 404 commonly has no JSON body worth parsing.
		if resp.StatusCode == http.StatusNotFound {
			return StateNotFound, nil
		}
		return StateError, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return c.interpretScanResponse(resp.StatusCode, body), nil
}

// interpretScanResponse maps a scan_encrypted response onto a
// ScanState, per the exact status/reason table in spec.md §4.10.
func (c *Client) interpretScanResponse(status int, body scanResponseBody) ScanState {
	switch status {
	case http.StatusOK:
		if body.Clean != nil && *body.Clean {
			return StateTrusted
		}
		c.log.Warn().Msg("content scanner returned 200 with clean=false; treating as infected")
		return StateInfected
	case http.StatusForbidden:
		switch body.Reason {
		case reasonMediaNotClean:
			return StateInfected
		case reasonMimeTypeForbidden:
			return StateMimeTypeNotAllowed
		case reasonBadDecryption:
			return StateError
		default:
			return StateError
		}
	case http.StatusNotFound:
		return StateNotFound
	default:
		return StateError
	}
}

// DownloadAndDecrypt fetches file's ciphertext through the scanner's
// /download_encrypted proxy and decrypts it with the media's own JWK,
// mirroring original_source's download_encrypted request alongside
// scan_encrypted — a real client needs both, not just the verdict.
func (c *Client) DownloadAndDecrypt(file EncryptedFile) ([]byte, error) {
	request, err := c.BuildScanRequest(file)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.endpoint("_matrix/media_proxy/unstable/download_encrypted"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contentscanner: download_encrypted returned status %d", resp.StatusCode)
	}
	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return DecryptMediaFile(file, ciphertext)
}
