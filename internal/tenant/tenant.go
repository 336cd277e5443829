// Package tenant holds the registry of connected seller accounts and their
// OAuth credentials, persisted as one JSON document in the document store.
package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/answerdesk/answerdesk/internal/docstore"
)

// ID is a seller account identifier. The marketplace reports it as a
// number but older documents carry it as a string, so it unmarshals from
// either and compares as a string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers so documents written by
// earlier deployments keep their shape.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Tenant is one connected seller account. A record without a TenantID or a
// RefreshToken cannot be used and is dropped during normalization.
type Tenant struct {
	TenantID     ID     `json:"user_id"`
	DisplayName  string `json:"store_name"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Normalize keeps only usable records. Unknown fields are already shed by
// decoding into Tenant, so this is a pure filter.
func Normalize(list []Tenant) []Tenant {
	out := make([]Tenant, 0, len(list))
	for _, t := range list {
		if t.TenantID == "" || t.RefreshToken == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// DocumentSchema describes the persisted tenant document. Validation is
// advisory; Normalize repairs whatever the schema flags.
const DocumentSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"user_id": {"type": ["integer", "string"]},
			"store_name": {"type": "string"},
			"access_token": {"type": "string"},
			"refresh_token": {"type": "string"}
		},
		"required": ["user_id", "refresh_token"]
	}
}`

type RegistryOptions struct {
	Client       docstore.Client
	DocumentPath string
	SnapshotPath string
	Logger       *zap.Logger
	Clock        func() time.Time
	TTL          time.Duration
}

// Registry owns the in-memory set of connected tenants, refreshed from the
// document store at most every TTL and written back on demand. Records are
// held by pointer so the token lifecycle can mutate credentials in place.
type Registry struct {
	col    *docstore.Collection[Tenant]
	logger *zap.Logger

	mu      sync.Mutex
	tenants []*Tenant
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := opts.DocumentPath
	if path == "" {
		path = "stores_ml.json"
	}
	col := docstore.NewCollection(docstore.CollectionOptions[Tenant]{
		Client:       opts.Client,
		Path:         path,
		TTL:          opts.TTL,
		Normalize:    Normalize,
		Schema:       documentSchema,
		SnapshotPath: opts.SnapshotPath,
		Logger:       logger,
		Clock:        opts.Clock,
	})
	return &Registry{col: col, logger: logger}
}

var documentSchema = docstore.MustCompileSchema("tenants.json", DocumentSchema)

// All refreshes the registry from the document store (subject to the
// collection TTL) and returns the current records.
func (r *Registry) All(ctx context.Context) []*Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLocked(ctx, false)
	return append([]*Tenant(nil), r.tenants...)
}

// Find locates a tenant by id, tolerating numeric/string id mixes by
// comparing canonical string forms.
func (r *Registry) Find(ctx context.Context, id string) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLocked(ctx, false)
	for _, t := range r.tenants {
		if string(t.TenantID) == id {
			return t, true
		}
	}
	return nil, false
}

// Upsert matches by tenant id: an existing record gets its credentials and
// display name overwritten, otherwise the record is appended. The caller
// still has to Persist.
func (r *Registry) Upsert(ctx context.Context, record Tenant) *Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncLocked(ctx, true)
	for _, t := range r.tenants {
		if string(t.TenantID) == string(record.TenantID) {
			t.AccessToken = record.AccessToken
			t.RefreshToken = record.RefreshToken
			t.DisplayName = record.DisplayName
			return t
		}
	}
	added := record
	r.tenants = append(r.tenants, &added)
	return &added
}

// Persist writes the full tenant set back through the collection.
func (r *Registry) Persist(ctx context.Context, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked(ctx, message)
}

func (r *Registry) persistLocked(ctx context.Context, message string) {
	values := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		values = append(values, *t)
	}
	saved := r.col.Save(ctx, values, message)
	r.replaceLocked(saved)
}

// Credentials returns the current tokens for a tenant. Callers must not
// read token fields off a Tenant pointer directly while other goroutines
// may be refreshing them.
func (r *Registry) Credentials(id ID) (accessToken, refreshToken string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if string(t.TenantID) == string(id) {
			return t.AccessToken, t.RefreshToken, true
		}
	}
	return "", "", false
}

// UpdateCredentials installs tokens obtained from a refresh grant. A
// rotated refresh token is persisted in the same critical section, so a
// concurrent reload can never resurrect the invalidated grant.
func (r *Registry) UpdateCredentials(ctx context.Context, id ID, accessToken, refreshToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if string(t.TenantID) != string(id) {
			continue
		}
		t.AccessToken = accessToken
		if refreshToken != "" && refreshToken != t.RefreshToken {
			t.RefreshToken = refreshToken
			r.persistLocked(ctx, "Rotate marketplace refresh token")
		}
		return
	}
}

// Count reports the number of registered tenants without a remote refresh.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tenants)
}

// Invalidate forces the next read to consult the document store.
func (r *Registry) Invalidate() {
	r.col.Invalidate()
}

// SnapshotName reports the base name of the collection's document path,
// used to register the registry with the snapshot watcher.
func (r *Registry) SnapshotName() string {
	return r.col.Path()
}

func (r *Registry) syncLocked(ctx context.Context, force bool) {
	values, _ := r.col.Load(ctx, force)
	if values == nil && len(r.tenants) > 0 {
		// Remote unreachable and no snapshot: hold on to what we have.
		return
	}
	r.replaceLocked(values)
}

// replaceLocked rebuilds the pointer set, preserving existing records whose
// credentials the process mutated more recently than the remote copy.
func (r *Registry) replaceLocked(values []Tenant) {
	existing := make(map[string]*Tenant, len(r.tenants))
	for _, t := range r.tenants {
		existing[string(t.TenantID)] = t
	}
	next := make([]*Tenant, 0, len(values))
	for _, v := range values {
		if cur, ok := existing[string(v.TenantID)]; ok && cur.RefreshToken == v.RefreshToken {
			// Same grant: keep the in-memory access token, which may be
			// fresher than what was last persisted.
			cur.DisplayName = v.DisplayName
			next = append(next, cur)
			continue
		}
		record := v
		next = append(next, &record)
	}
	r.tenants = next
}
