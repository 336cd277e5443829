// Package panel is the service layer behind the operator panel: it resolves
// tenants, wraps upstream calls in the access-token lifecycle, aggregates
// unanswered questions across sellers, and fronts the reply library.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/answerdesk/answerdesk/internal/meli"
	"github.com/answerdesk/answerdesk/internal/replies"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

const defaultRecencyWindow = 90 * 24 * time.Hour

// ErrStoreNotFound is returned when a panel request names a seller account
// that is not connected.
var ErrStoreNotFound = errors.New("store not found")

// MarketAPI is the slice of the marketplace client the service uses.
// *meli.Client satisfies it; tests substitute fakes.
type MarketAPI interface {
	ExchangeCode(ctx context.Context, code string) (meli.Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (meli.Credentials, error)
	Me(ctx context.Context, accessToken string) (meli.User, error)
	SearchUnanswered(ctx context.Context, accessToken, sellerID string) ([]meli.Question, error)
	SearchByItem(ctx context.Context, accessToken, itemID, sellerID string, limit int) ([]meli.Question, error)
	ItemsBulk(ctx context.Context, accessToken string, ids []string) ([]meli.ItemResult, error)
	PostAnswer(ctx context.Context, accessToken string, questionID int64, text string) error
}

// Event is a panel notification pushed to connected operator UIs.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventPublisher fans an event out to subscribers. Publishing must not
// block request handling.
type EventPublisher interface {
	Publish(event Event)
}

// Question is an unanswered buyer question enriched for display.
type Question struct {
	meli.Question
	StoreID       tenant.ID `json:"store_id"`
	StoreName     string    `json:"store_name"`
	ItemTitle     string    `json:"item_title"`
	ItemThumbnail string    `json:"item_thumbnail"`
	ItemPermalink string    `json:"item_permalink"`
}

// HistoryEntry is one question of an item's Q&A history.
type HistoryEntry struct {
	ID           int64  `json:"id"`
	DateCreated  string `json:"date_created"`
	Text         string `json:"text"`
	AnswerText   string `json:"answer_text"`
	AnswerDate   string `json:"answer_date"`
	FromID       int64  `json:"from_id,omitempty"`
	FromNickname string `json:"from_nickname"`
}

type ServiceOptions struct {
	Registry      *tenant.Registry
	Market        MarketAPI
	Replies       *replies.Store
	Items         *ItemCache
	Events        EventPublisher
	Logger        *zap.Logger
	Clock         func() time.Time
	RecencyWindow time.Duration
}

type Service struct {
	registry      *tenant.Registry
	market        MarketAPI
	replies       *replies.Store
	items         *ItemCache
	events        EventPublisher
	logger        *zap.Logger
	clock         func() time.Time
	recencyWindow time.Duration

	refreshMu sync.Mutex
	refresh   map[string]*sync.Mutex
}

func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	items := opts.Items
	if items == nil {
		items = NewItemCache(ItemCacheOptions{Clock: clock})
	}
	window := opts.RecencyWindow
	if window <= 0 {
		window = defaultRecencyWindow
	}
	return &Service{
		registry:      opts.Registry,
		market:        opts.Market,
		replies:       opts.Replies,
		items:         items,
		events:        opts.Events,
		logger:        logger,
		clock:         clock,
		recencyWindow: window,
		refresh:       map[string]*sync.Mutex{},
	}
}

// tenantMutex serializes the refresh-then-retry sequence per tenant so two
// concurrent requests cannot race two refreshes of the same grant.
func (s *Service) tenantMutex(id tenant.ID) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	mu, ok := s.refresh[string(id)]
	if !ok {
		mu = &sync.Mutex{}
		s.refresh[string(id)] = mu
	}
	return mu
}

// withAuth runs fn with the tenant's current access token. On an
// auth-expired response it refreshes the access token exactly once,
// installs the new tokens through the registry (which persists a rotated
// refresh token), and reruns fn exactly once. Any other failure, or a
// second failure after the refresh, propagates unmodified. Tokens are read
// and written only through the registry so refreshes never race a
// concurrent Persist or reload.
func (s *Service) withAuth(ctx context.Context, t *tenant.Tenant, fn func(accessToken string) error) (refreshed bool, err error) {
	mu := s.tenantMutex(t.TenantID)
	mu.Lock()
	defer mu.Unlock()

	access, refresh, ok := s.registry.Credentials(t.TenantID)
	if !ok {
		return false, ErrStoreNotFound
	}
	err = fn(access)
	if !meli.IsAuthExpired(err) {
		return false, err
	}

	creds, refreshErr := s.market.Refresh(ctx, refresh)
	if refreshErr != nil {
		return false, fmt.Errorf("refresh access token for %s: %w", t.TenantID, refreshErr)
	}
	s.registry.UpdateCredentials(ctx, t.TenantID, creds.AccessToken, creds.RefreshToken)
	return true, fn(creds.AccessToken)
}

// Questions aggregates unanswered questions across every connected tenant,
// sequentially, skipping tenants whose upstream calls fail so one broken
// connection never blanks the panel. It never returns an error.
func (s *Service) Questions(ctx context.Context) []Question {
	out := make([]Question, 0)
	for _, t := range s.registry.All(ctx) {
		questions, err := s.questionsForTenant(ctx, t)
		if err != nil {
			s.logger.Warn("question fetch failed for store",
				zap.String("store_id", string(t.TenantID)), zap.Error(err))
			continue
		}
		out = append(out, questions...)
	}
	return out
}

func (s *Service) questionsForTenant(ctx context.Context, t *tenant.Tenant) ([]Question, error) {
	var raw []meli.Question
	_, err := s.withAuth(ctx, t, func(accessToken string) error {
		result, callErr := s.market.SearchUnanswered(ctx, accessToken, string(t.TenantID))
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	cutoff := s.clock().Add(-s.recencyWindow)
	recent := raw[:0]
	for _, q := range raw {
		created, parseErr := time.Parse(time.RFC3339, q.DateCreated)
		if parseErr != nil || created.Before(cutoff) {
			continue
		}
		recent = append(recent, q)
	}

	itemIDs := make([]string, 0, len(recent))
	for _, q := range recent {
		if q.ItemID != "" {
			itemIDs = append(itemIDs, q.ItemID)
		}
	}
	metadata := s.items.Resolve(ctx, s.bulkFetcher(t), itemIDs)

	enriched := make([]Question, 0, len(recent))
	for _, q := range recent {
		meta := metadata[q.ItemID]
		enriched = append(enriched, Question{
			Question:      q,
			StoreID:       t.TenantID,
			StoreName:     t.DisplayName,
			ItemTitle:     meta.Title,
			ItemThumbnail: meta.Thumbnail,
			ItemPermalink: meta.Permalink,
		})
	}
	return enriched, nil
}

// bulkFetcher wraps one batched item lookup in the token lifecycle, so an
// expired token mid-aggregation refreshes once and retries only the batch
// that hit it.
func (s *Service) bulkFetcher(t *tenant.Tenant) BulkFetchFunc {
	return func(ctx context.Context, ids []string) ([]meli.ItemResult, error) {
		var results []meli.ItemResult
		_, err := s.withAuth(ctx, t, func(accessToken string) error {
			found, callErr := s.market.ItemsBulk(ctx, accessToken, ids)
			if callErr != nil {
				return callErr
			}
			results = found
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}

// QuestionHistory lists the recent Q&A history of one item of one store.
func (s *Service) QuestionHistory(ctx context.Context, storeID, itemID string, limit int) ([]HistoryEntry, error) {
	t, ok := s.registry.Find(ctx, storeID)
	if !ok {
		return nil, ErrStoreNotFound
	}
	var raw []meli.Question
	_, err := s.withAuth(ctx, t, func(accessToken string) error {
		result, callErr := s.market.SearchByItem(ctx, accessToken, itemID, string(t.TenantID), limit)
		if callErr != nil {
			return callErr
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	history := make([]HistoryEntry, 0, len(raw))
	for _, q := range raw {
		entry := HistoryEntry{
			ID:          q.ID,
			DateCreated: q.DateCreated,
			Text:        q.Text,
		}
		if q.Answer != nil {
			entry.AnswerText = q.Answer.Text
			entry.AnswerDate = q.Answer.DateCreated
		}
		if q.From != nil {
			entry.FromID = q.From.ID
			entry.FromNickname = q.From.Nickname
		}
		history = append(history, entry)
	}
	return history, nil
}

// Answer submits an answer on behalf of a store. The refreshed flag tells
// the caller an access token renewal happened along the way.
func (s *Service) Answer(ctx context.Context, storeID string, questionID int64, text string) (bool, error) {
	t, ok := s.registry.Find(ctx, storeID)
	if !ok {
		return false, ErrStoreNotFound
	}
	refreshed, err := s.withAuth(ctx, t, func(accessToken string) error {
		return s.market.PostAnswer(ctx, accessToken, questionID, text)
	})
	if err != nil {
		return refreshed, err
	}
	s.publish("question.answered", map[string]any{
		"store_id":    t.TenantID,
		"question_id": questionID,
	})
	return refreshed, nil
}

// Connect finishes the OAuth flow for a seller account: exchanges the
// authorization code, resolves the seller identity, and upserts the tenant
// record. Returns the connected tenant and the total connected count.
func (s *Service) Connect(ctx context.Context, code string) (tenant.Tenant, int, error) {
	creds, err := s.market.ExchangeCode(ctx, code)
	if err != nil {
		return tenant.Tenant{}, 0, fmt.Errorf("exchange authorization code: %w", err)
	}
	user, err := s.market.Me(ctx, creds.AccessToken)
	if err != nil {
		return tenant.Tenant{}, 0, fmt.Errorf("resolve seller identity: %w", err)
	}
	displayName := user.Nickname
	if displayName == "" {
		displayName = "Store " + strconv.FormatInt(user.ID, 10)
	}
	record := tenant.Tenant{
		TenantID:     tenant.ID(strconv.FormatInt(user.ID, 10)),
		DisplayName:  displayName,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
	connected := s.registry.Upsert(ctx, record)
	s.registry.Persist(ctx, "Connect marketplace store")
	s.publish("store.connected", map[string]any{
		"store_id":   connected.TenantID,
		"store_name": connected.DisplayName,
	})
	return *connected, s.registry.Count(), nil
}

// ListReplies returns the canned reply library.
func (s *Service) ListReplies(ctx context.Context) []replies.Reply {
	return s.replies.List(ctx)
}

// AddReply appends a canned reply and notifies subscribers.
func (s *Service) AddReply(ctx context.Context, text string) ([]replies.Reply, error) {
	list, err := s.replies.Add(ctx, text)
	if err != nil {
		return nil, err
	}
	s.publish("replies.updated", map[string]any{"count": len(list)})
	return list, nil
}

// UpdateReply edits a canned reply by id and notifies subscribers.
func (s *Service) UpdateReply(ctx context.Context, id int, text string) ([]replies.Reply, error) {
	list, err := s.replies.Update(ctx, id, text)
	if err != nil {
		return nil, err
	}
	s.publish("replies.updated", map[string]any{"count": len(list)})
	return list, nil
}

// RemoveReply deletes a canned reply by id and notifies subscribers.
func (s *Service) RemoveReply(ctx context.Context, id int) ([]replies.Reply, error) {
	list, err := s.replies.Remove(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish("replies.updated", map[string]any{"count": len(list)})
	return list, nil
}

// AuthorizationURL exposes the marketplace consent URL for the landing page.
func (s *Service) AuthorizationURL() string {
	type authURLer interface{ AuthorizationURL() string }
	if m, ok := s.market.(authURLer); ok {
		return m.AuthorizationURL()
	}
	return ""
}

func (s *Service) publish(eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	})
}
