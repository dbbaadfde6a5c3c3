package sshpool

import (
	"log"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/store"
)

// hostKeyRecord is the persisted shape of a cached host key.
type hostKeyRecord struct {
	Fingerprint string `msgpack:"fingerprint"`
}

// HostKeyCache implements trust-on-first-use host key verification. The
// first key seen for a (host, port) is recorded; later connections must
// present the same key. In non-strict mode (tunnelled hops whose outer
// transport is already verified) mismatches are accepted but still recorded.
type HostKeyCache struct {
	mu    sync.Mutex
	known map[string]string // "host:port" -> SHA256 fingerprint
	st    *store.Store      // optional persistence
}

// NewHostKeyCache creates a cache, loading any persisted fingerprints from st.
// A nil store keeps the cache memory-only.
func NewHostKeyCache(st *store.Store) *HostKeyCache {
	c := &HostKeyCache{known: make(map[string]string), st: st}
	if st == nil {
		return c
	}
	keys, err := st.List(store.BucketHostKeys)
	if err != nil {
		log.Printf("[hostkeys] load cache: %v", err)
		return c
	}
	for _, k := range keys {
		var rec hostKeyRecord
		if err := st.Load(store.BucketHostKeys, k, &rec); err == nil {
			c.known[k] = rec.Fingerprint
		}
	}
	return c
}

// Callback returns an ssh.HostKeyCallback. Strict mode rejects fingerprint
// changes; non-strict mode accepts anything while keeping the cache current.
func (c *HostKeyCache) Callback(strict bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)

		c.mu.Lock()
		prev, seen := c.known[hostname]
		if !seen || !strict {
			c.known[hostname] = fp
		}
		c.mu.Unlock()

		if !seen || !strict {
			if c.st != nil {
				if err := c.st.Save(store.BucketHostKeys, hostname, hostKeyRecord{Fingerprint: fp}); err != nil {
					log.Printf("[hostkeys] persist %s: %v", hostname, err)
				}
			}
			return nil
		}
		if prev != fp {
			return cerr.New(cerr.ConnectionFailed,
				"host key for %s changed (was %s, now %s)", hostname, prev, fp)
		}
		return nil
	}
}

// Fingerprint returns the cached fingerprint for a host:port, if any.
func (c *HostKeyCache) Fingerprint(hostport string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.known[hostport]
	return fp, ok
}

// Forget removes a cached fingerprint, allowing the next connection to
// re-establish trust.
func (c *HostKeyCache) Forget(hostport string) {
	c.mu.Lock()
	delete(c.known, hostport)
	c.mu.Unlock()
	if c.st != nil {
		c.st.Delete(store.BucketHostKeys, hostport)
	}
}
