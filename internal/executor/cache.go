package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.starlark.net/starlark"
)

const maxCachedPrograms = 512

// compiled is one cache entry. prog is nil when compilation failed; cause
// then holds the message.
type compiled struct {
	prog  *starlark.Program
	cause string
}

// programCache maps the sha256 of job code to its compiled program.
type programCache struct {
	mu      sync.Mutex
	entries map[string]*compiled
}

func newProgramCache() *programCache {
	return &programCache{entries: make(map[string]*compiled)}
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// get returns the entry for code, compiling it with build on a miss.
func (c *programCache) get(code string, build func() (*starlark.Program, string)) *compiled {
	key := codeHash(code)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e
	}
	c.mu.Unlock()

	prog, cause := build()
	e := &compiled{prog: prog, cause: cause}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing
	}
	if len(c.entries) >= maxCachedPrograms {
		// Coarse eviction: job code changes rarely.
		c.entries = make(map[string]*compiled)
	}
	c.entries[key] = e
	return e
}

func (c *programCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
