package meli

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ItemBatchLimit is the upstream cap on ids per bulk item lookup.
const ItemBatchLimit = 20

// Item is the subset of listing metadata the panel displays.
type Item struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	SecureThumbnail string    `json:"secure_thumbnail"`
	Thumbnail       string    `json:"thumbnail"`
	Permalink       string    `json:"permalink"`
	Pictures        []Picture `json:"pictures"`
}

type Picture struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
}

// ItemResult is one entry of a bulk lookup; Code carries the per-item HTTP
// status, so a single call can mix hits and misses.
type ItemResult struct {
	Code int  `json:"code"`
	Body Item `json:"body"`
}

// ItemsBulk looks up at most ItemBatchLimit items in one call.
func (c *Client) ItemsBulk(ctx context.Context, accessToken string, ids []string) ([]ItemResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	var results []ItemResult
	if err := c.doJSON(ctx, http.MethodGet, "/items?"+query.Encode(), accessToken, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}
