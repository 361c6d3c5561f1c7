// Package promptfs implements the prompt resolver port over a directory of
// versioned template files. A ref "review-diff" resolves to the file
// {dir}/review-diff.md; the version is the content hash, so a changed file on
// disk is a new prompt version. Resolved templates are cached in-process.
package promptfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/Maestro/internal/domain"
	"github.com/Strob0t/Maestro/internal/port/prompt"
)

const cacheTTL = time.Minute

// Resolver resolves prompt refs against a template directory.
type Resolver struct {
	dir   string
	cache *ristretto.Cache[string, *prompt.Template]
}

// New creates a Resolver over dir with an in-process cache of cacheBytes.
func New(dir string, cacheBytes int64) (*Resolver, error) {
	if cacheBytes <= 0 {
		cacheBytes = 16 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *prompt.Template]{
		NumCounters: cacheBytes / 100 * 10, // ~10x expected items
		MaxCost:     cacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("prompt cache: %w", err)
	}
	return &Resolver{dir: dir, cache: cache}, nil
}

// Resolve maps a logical ref to the template file's current content.
func (r *Resolver) Resolve(_ context.Context, ref string) (*prompt.Template, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("prompt ref %q: %w", ref, domain.ErrValidation)
	}
	if tpl, ok := r.cache.Get(ref); ok {
		return tpl, nil
	}

	path := filepath.Join(r.dir, ref+".md")
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("prompt %q: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read prompt %q: %w", ref, err)
	}

	sum := sha256.Sum256(body)
	tpl := &prompt.Template{
		Ref:     ref,
		Version: ref + "@" + hex.EncodeToString(sum[:8]),
		Text:    string(body),
	}
	// Short TTL: edits to template files show up within a minute without a
	// restart, while hot refs stay cheap.
	r.cache.SetWithTTL(ref, tpl, int64(len(body)), cacheTTL)
	return tpl, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

// validRef rejects refs that could escape the template directory.
func validRef(ref string) bool {
	if ref == "" || strings.Contains(ref, "..") {
		return false
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '/':
		default:
			return false
		}
	}
	return !strings.HasPrefix(ref, "/")
}
