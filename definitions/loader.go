package definitions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxDocumentSize bounds a remote definitions document.
const maxDocumentSize = 8 << 20

var (
	cacheMu sync.Mutex
	cache   = map[string]*IDL{}
)

// Load returns the definitions at source, a file path or an http(s) URL.
// A document is fetched once per process; later calls share the parsed
// value. Failures are not cached.
func Load(ctx context.Context, source string) (*IDL, error) {
	key := cacheKey(source)

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if idl, ok := cache[key]; ok {
		return idl, nil
	}

	data, err := fetch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions from %s: %w", source, err)
	}

	idl, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions from %s: %w", source, err)
	}

	cache[key] = idl
	return idl, nil
}

// Reset drops every cached document.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]*IDL{}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func cacheKey(source string) string {
	if isRemote(source) {
		return source
	}
	if abs, err := filepath.Abs(source); err == nil {
		return abs
	}
	return source
}

func fetch(ctx context.Context, source string) ([]byte, error) {
	if !isRemote(source) {
		return os.ReadFile(source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}
