package crosstab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// DefaultMessageTTL is how long message files are kept before pruning.
const DefaultMessageTTL = time.Minute

// FileChannel broadcasts between processes through a shared directory. Each
// message is one JSON file named <ulid>.<sender>.json, written atomically and
// picked up by the other processes through fsnotify.
type FileChannel struct {
	dir     string
	sender  string
	ttl     time.Duration
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	handlers  map[int]func(domain.CrossTabMessage)
	nextID    int
	seen      map[string]time.Time
	lastPrune time.Time
	closed    bool

	done chan struct{}
}

var _ Channel = (*FileChannel)(nil)

// FileChannelOption configures a FileChannel.
type FileChannelOption func(*FileChannel)

// WithMessageTTL overrides DefaultMessageTTL.
func WithMessageTTL(d time.Duration) FileChannelOption {
	return func(c *FileChannel) { c.ttl = d }
}

// WithFileChannelLogger sets the logger.
func WithFileChannelLogger(l *zap.Logger) FileChannelOption {
	return func(c *FileChannel) { c.logger = l }
}

// NewFileChannel creates dir if needed and starts watching it.
func NewFileChannel(dir string, opts ...FileChannelOption) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create channel directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c := &FileChannel{
		dir:      dir,
		sender:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		ttl:      DefaultMessageTTL,
		logger:   zap.NewNop(),
		watcher:  watcher,
		handlers: make(map[int]func(domain.CrossTabMessage)),
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.watch()
	return c, nil
}

// Post writes msg as a new message file.
func (c *FileChannel) Post(msg domain.CrossTabMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	name := ulid.Make().String() + "." + c.sender + ".json"
	tmp, err := os.CreateTemp(c.dir, ".msg-*")
	if err != nil {
		return fmt.Errorf("failed to create message file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write message file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close message file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish message file: %w", err)
	}
	c.maybePrune()
	return nil
}

// Subscribe registers handler. Handlers run on the watcher goroutine.
func (c *FileChannel) Subscribe(handler func(domain.CrossTabMessage)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}, nil
}

// Close stops watching. Message files stay for other processes.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.watcher.Close()
	<-c.done
	return err
}

func (c *FileChannel) watch() {
	defer close(c.done)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			c.handleFile(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("broadcast watcher error", zap.Error(err))
		}
	}
}

func (c *FileChannel) handleFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return
	}
	parts := strings.Split(strings.TrimSuffix(name, ".json"), ".")
	if len(parts) != 2 || parts[1] == c.sender {
		return
	}

	c.mu.Lock()
	if _, dup := c.seen[name]; dup || c.closed {
		c.mu.Unlock()
		return
	}
	c.seen[name] = time.Now()
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Already pruned by another process.
		return
	}
	var msg domain.CrossTabMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("ignoring unreadable message file", zap.String("file", name), zap.Error(err))
		return
	}

	c.mu.Lock()
	handlers := make([]func(domain.CrossTabMessage), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// maybePrune removes message files older than the TTL, at most twice per TTL.
func (c *FileChannel) maybePrune() {
	now := time.Now()
	c.mu.Lock()
	if now.Sub(c.lastPrune) < c.ttl/2 {
		c.mu.Unlock()
		return
	}
	c.lastPrune = now
	for name, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, name)
		}
	}
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || entry.IsDir() {
			continue
		}
		if now.Sub(info.ModTime()) > c.ttl {
			os.Remove(filepath.Join(c.dir, entry.Name()))
		}
	}
}
