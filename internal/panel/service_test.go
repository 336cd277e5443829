package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/answerdesk/answerdesk/internal/docstore"
	"github.com/answerdesk/answerdesk/internal/meli"
	"github.com/answerdesk/answerdesk/internal/replies"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

func authExpiredErr() error {
	return &meli.APIError{StatusCode: http.StatusUnauthorized, Message: "invalid token"}
}

// fakeMarket satisfies MarketAPI with per-call function hooks and counters.
type fakeMarket struct {
	mu             sync.Mutex
	refreshCalls   int
	refresh        func(refreshToken string) (meli.Credentials, error)
	refreshResult  meli.Credentials
	refreshErr     error
	exchangeResult meli.Credentials
	exchangeErr    error
	meResult       meli.User
	meErr          error

	searchUnanswered func(accessToken, sellerID string) ([]meli.Question, error)
	searchByItem     func(accessToken, itemID, sellerID string, limit int) ([]meli.Question, error)
	itemsBulk        func(accessToken string, ids []string) ([]meli.ItemResult, error)
	postAnswer       func(accessToken string, questionID int64, text string) error
}

func (f *fakeMarket) ExchangeCode(ctx context.Context, code string) (meli.Credentials, error) {
	return f.exchangeResult, f.exchangeErr
}

func (f *fakeMarket) Refresh(ctx context.Context, refreshToken string) (meli.Credentials, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refresh != nil {
		return f.refresh(refreshToken)
	}
	return f.refreshResult, f.refreshErr
}

func (f *fakeMarket) Me(ctx context.Context, accessToken string) (meli.User, error) {
	return f.meResult, f.meErr
}

func (f *fakeMarket) SearchUnanswered(ctx context.Context, accessToken, sellerID string) ([]meli.Question, error) {
	if f.searchUnanswered == nil {
		return nil, nil
	}
	return f.searchUnanswered(accessToken, sellerID)
}

func (f *fakeMarket) SearchByItem(ctx context.Context, accessToken, itemID, sellerID string, limit int) ([]meli.Question, error) {
	if f.searchByItem == nil {
		return nil, nil
	}
	return f.searchByItem(accessToken, itemID, sellerID, limit)
}

func (f *fakeMarket) ItemsBulk(ctx context.Context, accessToken string, ids []string) ([]meli.ItemResult, error) {
	if f.itemsBulk == nil {
		return nil, nil
	}
	return f.itemsBulk(accessToken, ids)
}

func (f *fakeMarket) PostAnswer(ctx context.Context, accessToken string, questionID int64, text string) error {
	if f.postAnswer == nil {
		return nil
	}
	return f.postAnswer(accessToken, questionID, text)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

type serviceFixture struct {
	svc      *Service
	market   *fakeMarket
	registry *tenant.Registry
	client   *docstore.MemoryClient
	events   *recordingPublisher
	now      time.Time
}

func newServiceFixture(t *testing.T, tenants ...tenant.Tenant) *serviceFixture {
	t.Helper()
	client := docstore.NewMemoryClient()
	registry := tenant.NewRegistry(tenant.RegistryOptions{Client: client})
	ctx := context.Background()
	for _, record := range tenants {
		registry.Upsert(ctx, record)
		registry.Persist(ctx, "seed")
	}

	market := &fakeMarket{}
	events := &recordingPublisher{}
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc := NewService(ServiceOptions{
		Registry: registry,
		Market:   market,
		Replies:  replies.NewStore(replies.StoreOptions{Client: client}),
		Items:    NewItemCache(ItemCacheOptions{Clock: func() time.Time { return now }}),
		Events:   events,
		Clock:    func() time.Time { return now },
	})
	return &serviceFixture{svc: svc, market: market, registry: registry, client: client, events: events, now: now}
}

func seedTenant() tenant.Tenant {
	return tenant.Tenant{
		TenantID:     "777",
		DisplayName:  "Acme Store",
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
	}
}

func TestAnswerRefreshesOnceOnExpiredToken(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.refreshResult = meli.Credentials{AccessToken: "at-new", RefreshToken: "rt-1"}

	var tokensSeen []string
	fx.market.postAnswer = func(accessToken string, questionID int64, text string) error {
		tokensSeen = append(tokensSeen, accessToken)
		if accessToken == "at-old" {
			return authExpiredErr()
		}
		return nil
	}

	refreshed, err := fx.svc.Answer(context.Background(), "777", 42, "Yes")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 1, fx.market.refreshCalls)
	assert.Equal(t, []string{"at-old", "at-new"}, tokensSeen)

	require.NotEmpty(t, fx.events.events)
	assert.Equal(t, "question.answered", fx.events.events[len(fx.events.events)-1].Type)
}

func TestAnswerDoesNotRetryTwice(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.refreshResult = meli.Credentials{AccessToken: "at-new", RefreshToken: "rt-1"}

	calls := 0
	fx.market.postAnswer = func(accessToken string, questionID int64, text string) error {
		calls++
		return authExpiredErr()
	}

	_, err := fx.svc.Answer(context.Background(), "777", 42, "Yes")
	require.Error(t, err)
	assert.True(t, meli.IsAuthExpired(err))
	assert.Equal(t, 1, fx.market.refreshCalls)
	assert.Equal(t, 2, calls, "one attempt, one retry, never more")
}

func TestAnswerSurfacesRefreshFailure(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.refreshErr = errors.New("grant revoked")
	fx.market.postAnswer = func(accessToken string, questionID int64, text string) error {
		return authExpiredErr()
	}

	refreshed, err := fx.svc.Answer(context.Background(), "777", 42, "Yes")
	require.Error(t, err)
	assert.False(t, refreshed)
	assert.Contains(t, err.Error(), "grant revoked")
}

func TestRotatedRefreshTokenIsPersisted(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.refreshResult = meli.Credentials{AccessToken: "at-new", RefreshToken: "rt-2"}
	fx.market.postAnswer = func(accessToken string, questionID int64, text string) error {
		if accessToken == "at-old" {
			return authExpiredErr()
		}
		return nil
	}

	_, err := fx.svc.Answer(context.Background(), "777", 42, "Yes")
	require.NoError(t, err)

	doc, err := fx.client.Get(context.Background(), "stores_ml.json")
	require.NoError(t, err)
	assert.Contains(t, string(doc.Content), "rt-2")
	assert.NotContains(t, string(doc.Content), "rt-1")
}

func TestConcurrentAnswersRotateBothTenants(t *testing.T) {
	other := tenant.Tenant{TenantID: "111", DisplayName: "Other Store", AccessToken: "at-old-b", RefreshToken: "rt-b"}
	fx := newServiceFixture(t, seedTenant(), other)

	fx.market.refresh = func(refreshToken string) (meli.Credentials, error) {
		switch refreshToken {
		case "rt-1":
			return meli.Credentials{AccessToken: "at-new", RefreshToken: "rt-2"}, nil
		case "rt-b":
			return meli.Credentials{AccessToken: "at-new-b", RefreshToken: "rt-b2"}, nil
		}
		return meli.Credentials{}, errors.New("unknown grant")
	}
	fx.market.postAnswer = func(accessToken string, questionID int64, text string) error {
		if accessToken == "at-old" || accessToken == "at-old-b" {
			return authExpiredErr()
		}
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := fx.svc.Answer(context.Background(), "777", 1, "ok")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := fx.svc.Answer(context.Background(), "111", 2, "ok")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, fx.market.refreshCalls, "exactly one refresh per tenant")

	// Neither rotation may be lost to a concurrent persist or reload.
	doc, err := fx.client.Get(context.Background(), "stores_ml.json")
	require.NoError(t, err)
	assert.Contains(t, string(doc.Content), "rt-2")
	assert.Contains(t, string(doc.Content), "rt-b2")
}

func TestAnswerUnknownStore(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())

	_, err := fx.svc.Answer(context.Background(), "999", 42, "Yes")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestQuestionsAppliesRecencyWindow(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())

	recent := fx.now.Add(-89 * 24 * time.Hour).Format(time.RFC3339)
	stale := fx.now.Add(-91 * 24 * time.Hour).Format(time.RFC3339)
	fx.market.searchUnanswered = func(accessToken, sellerID string) ([]meli.Question, error) {
		return []meli.Question{
			{ID: 1, ItemID: "MLB1", Text: "recent", DateCreated: recent},
			{ID: 2, ItemID: "MLB1", Text: "stale", DateCreated: stale},
			{ID: 3, ItemID: "MLB1", Text: "garbled", DateCreated: "yesterday-ish"},
		}, nil
	}
	fx.market.itemsBulk = func(accessToken string, ids []string) ([]meli.ItemResult, error) {
		return []meli.ItemResult{{Code: 200, Body: meli.Item{
			ID:        "MLB1",
			Title:     "Widget",
			Thumbnail: "http://img.test/1.jpg",
			Permalink: "https://listing.test/MLB1",
		}}}, nil
	}

	questions := fx.svc.Questions(context.Background())
	require.Len(t, questions, 1)
	q := questions[0]
	assert.Equal(t, int64(1), q.ID)
	assert.Equal(t, tenant.ID("777"), q.StoreID)
	assert.Equal(t, "Acme Store", q.StoreName)
	assert.Equal(t, "Widget", q.ItemTitle)
	assert.Equal(t, "https://img.test/1.jpg", q.ItemThumbnail)
	assert.Equal(t, "https://listing.test/MLB1", q.ItemPermalink)
}

func TestQuestionsSkipsBrokenTenant(t *testing.T) {
	broken := tenant.Tenant{TenantID: "111", DisplayName: "Broken", AccessToken: "x", RefreshToken: "rt-b"}
	fx := newServiceFixture(t, broken, seedTenant())

	fx.market.searchUnanswered = func(accessToken, sellerID string) ([]meli.Question, error) {
		if sellerID == "111" {
			return nil, errors.New("upstream 500")
		}
		return []meli.Question{{ID: 7, ItemID: "MLB1", Text: "hi", DateCreated: fx.now.Format(time.RFC3339)}}, nil
	}

	questions := fx.svc.Questions(context.Background())
	require.Len(t, questions, 1)
	assert.Equal(t, tenant.ID("777"), questions[0].StoreID)
}

func TestQuestionsNeverReturnsNilSlice(t *testing.T) {
	fx := newServiceFixture(t)

	questions := fx.svc.Questions(context.Background())
	require.NotNil(t, questions)
	assert.Empty(t, questions)
}

func TestItemEnrichmentRetriesOnlyExpiredBatch(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.refreshResult = meli.Credentials{AccessToken: "at-new", RefreshToken: "rt-1"}

	raw := make([]meli.Question, 0, 45)
	for i := 0; i < 45; i++ {
		raw = append(raw, meli.Question{
			ID:          int64(i + 1),
			ItemID:      fmt.Sprintf("MLB%03d", i+1),
			Text:        "q",
			DateCreated: fx.now.Format(time.RFC3339),
		})
	}
	fx.market.searchUnanswered = func(accessToken, sellerID string) ([]meli.Question, error) {
		return raw, nil
	}

	var batchCalls int
	fx.market.itemsBulk = func(accessToken string, ids []string) ([]meli.ItemResult, error) {
		batchCalls++
		// The second batch is the one that trips over the expired token.
		if batchCalls == 2 && accessToken == "at-old" {
			return nil, authExpiredErr()
		}
		out := make([]meli.ItemResult, 0, len(ids))
		for _, id := range ids {
			out = append(out, meli.ItemResult{Code: 200, Body: meli.Item{ID: id, Title: "T"}})
		}
		return out, nil
	}

	questions := fx.svc.Questions(context.Background())
	require.Len(t, questions, 45)
	assert.Equal(t, 1, fx.market.refreshCalls)
	assert.Equal(t, 4, batchCalls, "three batches plus one retry")
	for _, q := range questions {
		assert.Equal(t, "T", q.ItemTitle)
	}
}

func TestQuestionHistoryMapsAnswerAndAsker(t *testing.T) {
	fx := newServiceFixture(t, seedTenant())
	fx.market.searchByItem = func(accessToken, itemID, sellerID string, limit int) ([]meli.Question, error) {
		assert.Equal(t, "MLB1", itemID)
		assert.Equal(t, "777", sellerID)
		assert.Equal(t, 10, limit)
		return []meli.Question{
			{
				ID:          5,
				Text:        "Does it ship?",
				DateCreated: "2026-03-01T10:00:00Z",
				From:        &meli.QuestionFrom{ID: 12, Nickname: "BUYER"},
				Answer:      &meli.Answer{Text: "Yes", DateCreated: "2026-03-01T11:00:00Z"},
			},
			{ID: 6, Text: "Pending", DateCreated: "2026-03-02T10:00:00Z"},
		}, nil
	}

	history, err := fx.svc.QuestionHistory(context.Background(), "777", "MLB1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Yes", history[0].AnswerText)
	assert.Equal(t, "2026-03-01T11:00:00Z", history[0].AnswerDate)
	assert.Equal(t, "BUYER", history[0].FromNickname)
	assert.Empty(t, history[1].AnswerText)

	_, err = fx.svc.QuestionHistory(context.Background(), "999", "MLB1", 10)
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestConnectRegistersSellerAndPublishes(t *testing.T) {
	fx := newServiceFixture(t)
	fx.market.exchangeResult = meli.Credentials{AccessToken: "at-1", RefreshToken: "rt-1", UserID: 888}
	fx.market.meResult = meli.User{ID: 888, Nickname: "NEWSTORE"}

	connected, count, err := fx.svc.Connect(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID("888"), connected.TenantID)
	assert.Equal(t, "NEWSTORE", connected.DisplayName)
	assert.Equal(t, 1, count)

	doc, err := fx.client.Get(context.Background(), "stores_ml.json")
	require.NoError(t, err)
	var persisted []tenant.Tenant
	require.NoError(t, json.Unmarshal(doc.Content, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "rt-1", persisted[0].RefreshToken)

	require.NotEmpty(t, fx.events.events)
	assert.Equal(t, "store.connected", fx.events.events[len(fx.events.events)-1].Type)
}

func TestConnectFallsBackToGeneratedStoreName(t *testing.T) {
	fx := newServiceFixture(t)
	fx.market.exchangeResult = meli.Credentials{AccessToken: "at-1", RefreshToken: "rt-1"}
	fx.market.meResult = meli.User{ID: 888}

	connected, _, err := fx.svc.Connect(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "Store 888", connected.DisplayName)
}

func TestConnectExchangeFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.market.exchangeErr = errors.New("invalid code")

	_, _, err := fx.svc.Connect(context.Background(), "bad-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange authorization code")
}

func TestReplyMutationsPublishEvents(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	list, err := fx.svc.AddReply(ctx, "Thanks for asking!")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = fx.svc.UpdateReply(ctx, list[0].ID, "Thanks!")
	require.NoError(t, err)
	assert.Equal(t, "Thanks!", list[0].Text)

	_, err = fx.svc.RemoveReply(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Empty(t, fx.svc.ListReplies(ctx))

	require.Len(t, fx.events.events, 3)
	for _, event := range fx.events.events {
		assert.Equal(t, "replies.updated", event.Type)
		assert.NotEmpty(t, event.Timestamp)
	}
}
