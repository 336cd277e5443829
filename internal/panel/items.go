package panel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/answerdesk/answerdesk/internal/meli"
)

const defaultItemTTL = 6 * time.Hour

// ItemMetadata is the display metadata the panel attaches to a question.
type ItemMetadata struct {
	ItemID    string
	Title     string
	Thumbnail string
	Permalink string
}

// BulkFetchFunc looks up one batch of item ids upstream. The service wraps
// it with the token lifecycle, so a batch hitting an expired token is
// refreshed and retried on its own.
type BulkFetchFunc func(ctx context.Context, ids []string) ([]meli.ItemResult, error)

type itemCacheEntry struct {
	meta      ItemMetadata
	fetchedAt time.Time
}

// ItemCache maps item ids to display metadata with a long TTL. It is
// process-local and unbounded; the item cardinality of a seller panel keeps
// it small.
type ItemCache struct {
	ttl       time.Duration
	batchSize int
	clock     func() time.Time

	mu      sync.Mutex
	entries map[string]itemCacheEntry
}

type ItemCacheOptions struct {
	TTL       time.Duration
	BatchSize int
	Clock     func() time.Time
}

func NewItemCache(opts ItemCacheOptions) *ItemCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultItemTTL
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > meli.ItemBatchLimit {
		batchSize = meli.ItemBatchLimit
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ItemCache{
		ttl:       ttl,
		batchSize: batchSize,
		clock:     clock,
		entries:   map[string]itemCacheEntry{},
	}
}

// Resolve returns metadata for as many of the ids as possible: fresh cache
// entries first, the rest through batched upstream lookups. Items the
// upstream does not report as found, and whole batches that fail, are
// simply absent from the result; enrichment degrades, it never errors.
func (c *ItemCache) Resolve(ctx context.Context, fetch BulkFetchFunc, ids []string) map[string]ItemMetadata {
	now := c.clock()
	out := make(map[string]ItemMetadata)
	seen := make(map[string]struct{}, len(ids))
	var missing []string

	c.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if entry, ok := c.entries[id]; ok && now.Sub(entry.fetchedAt) < c.ttl {
			out[id] = entry.meta
			continue
		}
		missing = append(missing, id)
	}
	c.mu.Unlock()

	for _, batch := range chunk(missing, c.batchSize) {
		results, err := fetch(ctx, batch)
		if err != nil {
			continue
		}
		c.mu.Lock()
		for _, result := range results {
			if result.Code != 200 || result.Body.ID == "" {
				continue
			}
			meta := metadataFromItem(result.Body)
			c.entries[meta.ItemID] = itemCacheEntry{meta: meta, fetchedAt: now}
			out[meta.ItemID] = meta
		}
		c.mu.Unlock()
	}
	return out
}

func metadataFromItem(item meli.Item) ItemMetadata {
	thumbnail := item.SecureThumbnail
	if thumbnail == "" {
		thumbnail = item.Thumbnail
	}
	if thumbnail == "" && len(item.Pictures) > 0 {
		thumbnail = item.Pictures[0].SecureURL
		if thumbnail == "" {
			thumbnail = item.Pictures[0].URL
		}
	}
	return ItemMetadata{
		ItemID:    item.ID,
		Title:     item.Title,
		Thumbnail: forceHTTPS(thumbnail),
		Permalink: item.Permalink,
	}
}

func forceHTTPS(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") {
		return "https://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL
}

func chunk(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
