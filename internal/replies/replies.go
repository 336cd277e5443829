// Package replies manages the shared library of canned reply texts used by
// panel operators, persisted as one JSON document in the document store.
package replies

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/answerdesk/answerdesk/internal/docstore"
)

const (
	// LibraryLimit caps the number of canned replies.
	LibraryLimit = 50
	// TextLimit caps each reply text, in code points.
	TextLimit = 4000
)

var (
	ErrLimitExceeded = errors.New("reply library limit reached")
	ErrEmptyText     = errors.New("reply text is empty")
	ErrNotFound      = errors.New("reply not found")
)

// Reply is one canned reply. IDs are positive and unique within the
// library; Normalize reassigns anything that is not.
type Reply struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Normalize repairs a reply list: at most LibraryLimit entries, texts
// truncated to TextLimit code points, entries with no text and no id
// dropped, ids deduplicated keeping the first occurrence, and every
// non-positive or duplicate id reassigned the next integer above the
// running maximum. Normalizing an already-normalized list is a no-op.
func Normalize(list []Reply) []Reply {
	out := make([]Reply, 0, len(list))
	for _, r := range list {
		if len(out) >= LibraryLimit {
			break
		}
		text := truncateText(r.Text)
		if text == "" && r.ID == 0 {
			continue
		}
		out = append(out, Reply{ID: r.ID, Text: text})
	}

	seen := make(map[int]struct{}, len(out))
	dedup := out[:0]
	for _, r := range out {
		if r.ID != 0 {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		dedup = append(dedup, r)
	}

	maxID := 0
	for _, r := range dedup {
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	assigned := make(map[int]struct{}, len(dedup))
	for i := range dedup {
		if dedup[i].ID <= 0 {
			maxID++
			dedup[i].ID = maxID
		}
		if _, dup := assigned[dedup[i].ID]; dup {
			maxID++
			dedup[i].ID = maxID
		}
		assigned[dedup[i].ID] = struct{}{}
	}

	if len(dedup) > LibraryLimit {
		dedup = dedup[:LibraryLimit]
	}
	return dedup
}

func truncateText(text string) string {
	runes := []rune(text)
	if len(runes) > TextLimit {
		return string(runes[:TextLimit])
	}
	return text
}

// DocumentSchema describes the persisted reply document; validation is
// advisory since Normalize repairs malformed lists.
const DocumentSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"text": {"type": "string"}
		},
		"required": ["text"]
	}
}`

var documentSchema = docstore.MustCompileSchema("replies.json", DocumentSchema)

type StoreOptions struct {
	Client       docstore.Client
	DocumentPath string
	SnapshotPath string
	Logger       *zap.Logger
	Clock        func() time.Time
	TTL          time.Duration
}

// Store is the reply library. Every mutation re-reads the current library,
// applies the change, and rewrites the whole document atomically through
// the collection cache.
type Store struct {
	col *docstore.Collection[Reply]
}

func NewStore(opts StoreOptions) *Store {
	path := opts.DocumentPath
	if path == "" {
		path = "quick_replies.json"
	}
	col := docstore.NewCollection(docstore.CollectionOptions[Reply]{
		Client:       opts.Client,
		Path:         path,
		TTL:          opts.TTL,
		Normalize:    Normalize,
		Schema:       documentSchema,
		SnapshotPath: opts.SnapshotPath,
		Logger:       opts.Logger,
		Clock:        opts.Clock,
	})
	return &Store{col: col}
}

// List returns the current library, served from cache within the TTL.
func (s *Store) List(ctx context.Context) []Reply {
	list, _ := s.col.Load(ctx, false)
	return list
}

// Add appends a reply with the next id above the current maximum.
func (s *Store) Add(ctx context.Context, text string) ([]Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	list, _ := s.col.Load(ctx, true)
	if len(list) >= LibraryLimit {
		return nil, ErrLimitExceeded
	}
	maxID := 0
	for _, r := range list {
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	list = append(list, Reply{ID: maxID + 1, Text: truncateText(text)})
	return s.col.Save(ctx, list, "Add quick reply"), nil
}

// Update replaces the text of the reply with the given id.
func (s *Store) Update(ctx context.Context, id int, text string) ([]Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	list, _ := s.col.Load(ctx, true)
	found := false
	for i := range list {
		if list[i].ID == id {
			list[i].Text = truncateText(text)
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	return s.col.Save(ctx, list, "Edit quick reply"), nil
}

// Remove deletes the reply with the given id.
func (s *Store) Remove(ctx context.Context, id int) ([]Reply, error) {
	list, _ := s.col.Load(ctx, true)
	filtered := make([]Reply, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == len(list) {
		return nil, ErrNotFound
	}
	return s.col.Save(ctx, filtered, "Delete quick reply"), nil
}

// Invalidate forces the next read to consult the document store.
func (s *Store) Invalidate() {
	s.col.Invalidate()
}

// SnapshotName reports the document path base name for watcher wiring.
func (s *Store) SnapshotName() string {
	return s.col.Path()
}
