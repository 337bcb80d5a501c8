package contentscanner

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the bounded cache capacity used when a Client is
// constructed without an explicit size.
const DefaultCacheSize = 4096

// ScanState is the verdict interpret_scan_response settles on, per
// spec.md §4.10.
type ScanState int

const (
	StateTrusted ScanState = iota
	StateInfected
	StateMimeTypeNotAllowed
	StateError
	StateNotFound
)

func (s ScanState) String() string {
	switch s {
	case StateTrusted:
		return "trusted"
	case StateInfected:
		return "infected"
	case StateMimeTypeNotAllowed:
		return "mime_type_not_allowed"
	case StateNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// mediaCache is the per-media_url → ScanState cache from spec.md
// §4.10: Trusted/Infected/MimeTypeNotAllowed/NotFound verdicts are
// returned from cache on lookup; Error is never cached, so the next
// lookup always re-scans. Infected entries bypass the bounded LRU
// entirely and are never evicted — once a media item is known
// infected, this client never serves or re-scans it.
type mediaCache struct {
	mu       sync.Mutex
	recent   *lru.Cache[string, ScanState]
	infected map[string]struct{}
}

func newMediaCache(size int) *mediaCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	recent, _ := lru.New[string, ScanState](size)
	return &mediaCache{recent: recent, infected: make(map[string]struct{})}
}

func (c *mediaCache) get(mediaURL string) (ScanState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.infected[mediaURL]; ok {
		return StateInfected, true
	}
	return c.recent.Get(mediaURL)
}

func (c *mediaCache) set(mediaURL string, state ScanState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case StateInfected:
		c.infected[mediaURL] = struct{}{}
		c.recent.Remove(mediaURL)
	case StateError:
		// Never cached: the next lookup must re-scan.
		c.recent.Remove(mediaURL)
	default:
		c.recent.Add(mediaURL, state)
	}
}
