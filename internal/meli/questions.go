package meli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Question is one buyer question, answered or not.
type Question struct {
	ID          int64         `json:"id"`
	SellerID    int64         `json:"seller_id,omitempty"`
	ItemID      string        `json:"item_id"`
	Status      string        `json:"status,omitempty"`
	Text        string        `json:"text"`
	DateCreated string        `json:"date_created"`
	From        *QuestionFrom `json:"from,omitempty"`
	Answer      *Answer       `json:"answer,omitempty"`
}

type QuestionFrom struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

type Answer struct {
	Text        string `json:"text"`
	Status      string `json:"status,omitempty"`
	DateCreated string `json:"date_created,omitempty"`
}

type questionSearchResponse struct {
	Questions []Question `json:"questions"`
}

// SearchUnanswered lists a seller's questions still waiting for an answer.
func (c *Client) SearchUnanswered(ctx context.Context, accessToken, sellerID string) ([]Question, error) {
	query := url.Values{}
	query.Set("seller_id", sellerID)
	query.Set("status", "UNANSWERED")
	var resp questionSearchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/questions/search?"+query.Encode(), accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// SearchByItem lists the question history (answered and not) for one item
// of one seller, most recent first per upstream ordering. The limit is
// clamped to 1..30.
func (c *Client) SearchByItem(ctx context.Context, accessToken, itemID, sellerID string, limit int) ([]Question, error) {
	if limit < 1 {
		limit = 10
	}
	if limit > 30 {
		limit = 30
	}
	query := url.Values{}
	query.Set("item_id", itemID)
	query.Set("seller_id", sellerID)
	query.Set("limit", fmt.Sprintf("%d", limit))
	var resp questionSearchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/questions/search?"+query.Encode(), accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// PostAnswer submits the seller's answer to a question.
func (c *Client) PostAnswer(ctx context.Context, accessToken string, questionID int64, text string) error {
	payload := map[string]any{
		"question_id": questionID,
		"text":        text,
	}
	return c.doJSON(ctx, http.MethodPost, "/answers", accessToken, payload, nil)
}
