// Package blob keeps locally created blob handles ("blob:<uuid>") that point
// at in-memory data such as upload previews.
package blob

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Scheme prefixes every handle created by a Registry.
const Scheme = "blob:"

// ErrNotFound is returned for unknown, revoked or expired handles.
var ErrNotFound = errors.New("blob: not found")

// Blob is the data behind a handle.
type Blob struct {
	Data     []byte
	MimeType string
}

// Registry maps blob handles to their data. Handles expire after the
// configured TTL even if nobody revokes them.
type Registry struct {
	cache *ttlcache.Cache[string, Blob]
}

// NewRegistry creates a Registry whose handles live for ttl and starts the
// expiration loop. Call Stop to end it.
func NewRegistry(ttl time.Duration, capacity uint64) *Registry {
	opts := []ttlcache.Option[string, Blob]{
		ttlcache.WithTTL[string, Blob](ttl),
		ttlcache.WithDisableTouchOnHit[string, Blob](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Blob](capacity))
	}

	r := &Registry{cache: ttlcache.New(opts...)}
	go r.cache.Start()

	return r
}

// Create stores data and returns a new handle for it.
func (r *Registry) Create(data []byte, mimeType string) string {
	url := Scheme + uuid.NewString()
	r.cache.Set(url, Blob{Data: data, MimeType: mimeType}, ttlcache.DefaultTTL)

	return url
}

// Get returns the data behind url.
func (r *Registry) Get(url string) (Blob, error) {
	if !strings.HasPrefix(url, Scheme) {
		return Blob{}, ErrNotFound
	}

	item := r.cache.Get(url)
	if item == nil {
		return Blob{}, ErrNotFound
	}

	return item.Value(), nil
}

// Revoke releases the data behind url. Unknown handles are ignored.
func (r *Registry) Revoke(url string) {
	r.cache.Delete(url)
}

// RevokeAll releases every handle in urls.
func (r *Registry) RevokeAll(urls []string) {
	for _, url := range urls {
		r.Revoke(url)
	}
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Stop ends the expiration loop.
func (r *Registry) Stop() {
	r.cache.Stop()
}
