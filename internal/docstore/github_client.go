package docstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type GitHubClientOptions struct {
	BaseURL    string
	Token      string
	Owner      string
	Repo       string
	Branch     string
	HTTPClient *http.Client
	UserAgent  string
}

// GitHubClient stores each document as one file in a branch of a GitHub
// repository, using the contents API. The file's blob sha is the version
// token. A client without a token, owner, or repo is unconfigured and
// reports ErrNotConfigured instead of issuing requests.
type GitHubClient struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	branch     string
	httpClient *http.Client
	userAgent  string
}

func NewGitHubClient(opts GitHubClientOptions) *GitHubClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = "main"
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "answerdesk"
	}
	return &GitHubClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		owner:      strings.TrimSpace(opts.Owner),
		repo:       strings.TrimSpace(opts.Repo),
		branch:     branch,
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

func (c *GitHubClient) configured() bool {
	return c != nil && c.token != "" && c.owner != "" && c.repo != ""
}

// contentsURL escapes the document path per segment: a nested path keeps
// its slashes, which url.PathEscape would encode away.
func (c *GitHubClient) contentsURL(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, c.owner, c.repo, strings.Join(segments, "/"))
}

func (c *GitHubClient) Get(ctx context.Context, path string) (Document, error) {
	if !c.configured() {
		return Document{}, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentsURL(path)+"?ref="+url.QueryEscape(c.branch), nil)
	if err != nil {
		return Document{}, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, readErr)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Document{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Document{}, fmt.Errorf("%w: get %s: status=%d message=%s", ErrUnavailable, path, resp.StatusCode, errorMessage(body))
	}

	var payload struct {
		SHA     string `json:"sha"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Document{}, fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	content, err := decodeContent(payload.Content)
	if err != nil {
		return Document{}, fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	return Document{Content: content, VersionToken: payload.SHA}, nil
}

func (c *GitHubClient) Put(ctx context.Context, path string, content []byte, versionToken, message string) (string, error) {
	if !c.configured() {
		return versionToken, ErrNotConfigured
	}
	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  c.branch,
	}
	if versionToken != "" {
		payload["sha"] = versionToken
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return versionToken, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentsURL(path), bytes.NewReader(bodyBytes))
	if err != nil {
		return versionToken, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return versionToken, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return versionToken, fmt.Errorf("%w: %v", ErrUnavailable, readErr)
	}
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return versionToken, &ConflictError{Path: path, StaleToken: versionToken}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return versionToken, fmt.Errorf("%w: put %s: status=%d message=%s", ErrUnavailable, path, resp.StatusCode, errorMessage(respBody))
	}

	var parsed struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Content.SHA != "" {
		return parsed.Content.SHA, nil
	}
	return versionToken, nil
}

func (c *GitHubClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Correlation-Id", "doc_"+uuid.NewString())
}

// decodeContent tolerates the newline-wrapped base64 the contents API
// returns for larger files.
func decodeContent(encoded string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, encoded)
	if compact == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(compact)
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}
