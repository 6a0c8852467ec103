package storage

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrQuotaExceeded is returned by a backend that ran out of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrUnavailable is returned by a backend that is disabled or unsupported.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrNotImplemented marks DSN schemes that are recognised but not built.
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is an origin-scoped key/value store shared by every tab of the
// origin. Implementations may fail; Store hides those failures from callers.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// BackendError wraps a backend failure with the operation and key involved.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// MemoryBackend keeps values in a map. A positive quota caps the total number
// of key and value bytes, which lets tests exercise the quota path.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]string
	quota  int
	used   int
}

// NewMemoryBackend creates an in-memory backend. quota <= 0 means unlimited.
func NewMemoryBackend(quota int) *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]string),
		quota:  quota,
	}
}

func (b *MemoryBackend) Get(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.used
	if old, ok := b.values[key]; ok {
		used -= len(key) + len(old)
	}
	used += len(key) + len(value)
	if b.quota > 0 && used > b.quota {
		return &BackendError{Op: "set", Key: key, Err: ErrQuotaExceeded}
	}
	b.values[key] = value
	b.used = used
	return nil
}

func (b *MemoryBackend) Remove(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.values[key]; ok {
		b.used -= len(key) + len(old)
		delete(b.values, key)
	}
	return nil
}

func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// BackendFactory builds a backend from a DSN.
type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN resolve scheme through
// factory. Registered factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN selects a backend by DSN scheme. An empty DSN yields an
// unlimited memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(0), nil
	case "", "sqlite", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "redis", "rediss":
		return nil, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("storage dsn %q has no path", raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
