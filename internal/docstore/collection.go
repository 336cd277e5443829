package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCollectionTTL = 5 * time.Second

type CollectionOptions[T any] struct {
	Client    Client
	Path      string
	TTL       time.Duration
	Normalize func([]T) []T
	// Schema, when set, validates the raw remote document on load. The
	// normalizer stays authoritative: validation failures are logged and
	// the document is still normalized rather than rejected.
	Schema *Schema
	// SnapshotPath is a local file that mirrors the last known good value.
	// It is consulted whenever the remote fails and is best-effort only.
	SnapshotPath string
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Collection is a short-TTL read-through/write-through cache over one JSON
// array document. Loads coalesce behind the TTL; saves re-read the current
// version token before writing, retry once on a version conflict, and keep
// the local cache coherent even when the remote write fails. All document
// access is serialized by the collection's mutex.
type Collection[T any] struct {
	client       Client
	path         string
	ttl          time.Duration
	normalize    func([]T) []T
	schema       *Schema
	snapshotPath string
	logger       *zap.Logger
	clock        func() time.Time

	mu        sync.Mutex
	cached    []T
	token     string
	fetchedAt time.Time
	loaded    bool
}

func NewCollection[T any](opts CollectionOptions[T]) *Collection[T] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCollectionTTL
	}
	normalize := opts.Normalize
	if normalize == nil {
		normalize = func(list []T) []T { return list }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Collection[T]{
		client:       opts.Client,
		path:         opts.Path,
		ttl:          ttl,
		normalize:    normalize,
		schema:       opts.Schema,
		snapshotPath: opts.SnapshotPath,
		logger:       logger,
		clock:        clock,
	}
}

// Path reports the document path this collection is bound to.
func (c *Collection[T]) Path() string {
	return c.path
}

// Load returns the collection value and its version token. A fresh cached
// value is served without I/O unless force is set. Remote failures degrade
// to the local snapshot (or the last cached value) and never propagate.
func (c *Collection[T]) Load(ctx context.Context, force bool) ([]T, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, token := c.loadLocked(ctx, force)
	return cloneSlice(value), token
}

// Save normalizes the new value, re-reads the remote for the current
// version token, writes, and returns the normalized value. The in-memory
// cache reflects the attempted state even when the remote write fails, so
// local reads stay coherent until the next successful save.
func (c *Collection[T]) Save(ctx context.Context, value []T, message string) []T {
	normalized := c.normalize(cloneSlice(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	_, token := c.loadLocked(ctx, true)
	data, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		c.logger.Error("marshal document", zap.String("path", c.path), zap.Error(err))
		return cloneSlice(normalized)
	}

	newToken, putErr := c.put(ctx, data, token, message)
	if putErr != nil {
		var conflict *ConflictError
		if errors.As(putErr, &conflict) {
			// Another writer got in between our read and write. Re-read
			// once for the fresh token and retry; a second conflict is
			// surrendered to the documented weak-consistency window.
			_, token = c.loadLocked(ctx, true)
			newToken, putErr = c.put(ctx, data, token, message)
		}
	}
	if putErr != nil {
		c.logger.Warn("document write not durable, will retry on next save",
			zap.String("path", c.path), zap.Error(putErr))
		newToken = token
	} else {
		c.writeSnapshot(data)
	}

	c.cached = cloneSlice(normalized)
	c.token = newToken
	c.fetchedAt = c.clock()
	c.loaded = true
	return cloneSlice(normalized)
}

// Invalidate drops the freshness of the cached value so the next Load goes
// back to the remote (or snapshot).
func (c *Collection[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

func (c *Collection[T]) loadLocked(ctx context.Context, force bool) ([]T, string) {
	now := c.clock()
	if !force && c.loaded && now.Sub(c.fetchedAt) < c.ttl {
		return c.cached, c.token
	}

	doc, err := c.client.Get(ctx, c.path)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			c.logger.Debug("document store not configured, using snapshot", zap.String("path", c.path))
		} else {
			c.logger.Warn("document read failed, using snapshot", zap.String("path", c.path), zap.Error(err))
		}
		if value, ok := c.readSnapshot(); ok {
			c.cached = value
		}
		c.fetchedAt = now
		c.loaded = true
		return c.cached, c.token
	}

	value := c.decode(doc.Content)
	c.cached = value
	c.token = doc.VersionToken
	c.fetchedAt = now
	c.loaded = true
	if len(doc.Content) > 0 {
		c.writeSnapshot(doc.Content)
	}
	return c.cached, c.token
}

func (c *Collection[T]) put(ctx context.Context, content []byte, token, message string) (string, error) {
	putCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return c.client.Put(putCtx, c.path, content, token, message)
}

func (c *Collection[T]) decode(content []byte) []T {
	if len(content) == 0 {
		return c.normalize(nil)
	}
	if c.schema != nil {
		if err := c.schema.Validate(content); err != nil {
			c.logger.Warn("document failed schema validation",
				zap.String("path", c.path), zap.Error(err))
		}
	}
	var value []T
	if err := json.Unmarshal(content, &value); err != nil {
		c.logger.Warn("document is not a JSON array, treating as empty",
			zap.String("path", c.path), zap.Error(err))
		value = nil
	}
	return c.normalize(value)
}

func (c *Collection[T]) readSnapshot() ([]T, bool) {
	if c.snapshotPath == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.snapshotPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("snapshot read failed", zap.String("snapshot", c.snapshotPath), zap.Error(err))
		}
		return nil, false
	}
	var value []T
	if err := json.Unmarshal(data, &value); err != nil {
		c.logger.Warn("snapshot is corrupt, ignoring", zap.String("snapshot", c.snapshotPath), zap.Error(err))
		return nil, false
	}
	return c.normalize(value), true
}

func (c *Collection[T]) writeSnapshot(data []byte) {
	if c.snapshotPath == "" {
		return
	}
	dir := filepath.Dir(c.snapshotPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("snapshot dir create failed", zap.String("snapshot", c.snapshotPath), zap.Error(err))
			return
		}
	}
	tmp := c.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("snapshot write failed", zap.String("snapshot", c.snapshotPath), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.snapshotPath); err != nil {
		c.logger.Warn("snapshot rename failed", zap.String("snapshot", c.snapshotPath), zap.Error(err))
	}
}

func cloneSlice[T any](list []T) []T {
	if list == nil {
		return nil
	}
	out := make([]T, len(list))
	copy(out, list)
	return out
}
