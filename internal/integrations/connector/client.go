package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"teams-file-bot/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultTenant  = "botframework.com"
	botScope       = "https://api.botframework.com/.default"
)

// HTTPStatusError captures non-2xx connector responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("connector: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// resourceResponse is the connector's answer to send and reply calls.
type resourceResponse struct {
	ID string `json:"id"`
}

// Client talks to the Bot Framework connector REST API (v3). The service URL
// comes from each inbound activity, so every call takes it explicitly.
type Client struct {
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a connector client. Without WithHTTPClient calls are sent
// unauthenticated, which only the emulator accepts.
func New(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials identify the bot to the Bot Framework token service.
type Credentials struct {
	AppID       string
	AppPassword string
	TenantID    string

	// TokenEndpoint overrides the tenant-derived token URL.
	TokenEndpoint string
}

// TokenURL returns the OAuth2 token endpoint for the credentials' tenant.
func (c Credentials) TokenURL() string {
	if c.TokenEndpoint != "" {
		return c.TokenEndpoint
	}
	tenant := strings.TrimSpace(c.TenantID)
	if tenant == "" {
		tenant = defaultTenant
	}
	return fmt.Sprintf(tokenURLFormat, tenant)
}

// NewAuthenticatedHTTPClient returns an HTTP client that attaches bot access
// tokens obtained with the client-credentials flow. Tokens are cached and
// refreshed by the oauth2 package. With an empty app id a plain client is
// returned.
func NewAuthenticatedHTTPClient(ctx context.Context, creds Credentials, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if strings.TrimSpace(creds.AppID) == "" {
		return &http.Client{Timeout: timeout}
	}
	cfg := clientcredentials.Config{
		ClientID:     creds.AppID,
		ClientSecret: creds.AppPassword,
		TokenURL:     creds.TokenURL(),
		Scopes:       []string{botScope},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	hc := cfg.Client(ctx)
	hc.Timeout = timeout
	return hc
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func conversationsURL(serviceURL string, segments ...string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(serviceURL), "/")
	if base == "" {
		return "", errors.New("connector: service url must not be empty")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("connector: invalid service url %q", serviceURL)
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("/v3/conversations")
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String(), nil
}

// SendToConversation posts an activity at the end of a conversation.
func (c *Client) SendToConversation(ctx context.Context, serviceURL, conversationID string, a *domain.Activity) (string, error) {
	if conversationID == "" {
		return "", errors.New("connector: conversation id must not be empty")
	}
	u, err := conversationsURL(serviceURL, conversationID, "activities")
	if err != nil {
		return "", err
	}
	return c.postActivity(ctx, u, a)
}

// ReplyToActivity posts an activity as a reply to activityID.
func (c *Client) ReplyToActivity(ctx context.Context, serviceURL, conversationID, activityID string, a *domain.Activity) (string, error) {
	if activityID == "" {
		return c.SendToConversation(ctx, serviceURL, conversationID, a)
	}
	if conversationID == "" {
		return "", errors.New("connector: conversation id must not be empty")
	}
	u, err := conversationsURL(serviceURL, conversationID, "activities", activityID)
	if err != nil {
		return "", err
	}
	return c.postActivity(ctx, u, a)
}

func (c *Client) postActivity(ctx context.Context, u string, a *domain.Activity) (string, error) {
	if a == nil {
		return "", errors.New("connector: activity must not be nil")
	}
	raw, err := c.doJSON(ctx, http.MethodPost, u, a)
	if err != nil {
		return "", fmt.Errorf("connector: send activity: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var rr resourceResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return "", fmt.Errorf("connector: decode send response: %w", err)
	}
	return rr.ID, nil
}

// CreateConversation asks the channel to open a new conversation, typically a
// one-to-one chat with a team member.
func (c *Client) CreateConversation(ctx context.Context, serviceURL string, params domain.ConversationParameters) (domain.ConversationResource, error) {
	u, err := conversationsURL(serviceURL)
	if err != nil {
		return domain.ConversationResource{}, err
	}
	raw, err := c.doJSON(ctx, http.MethodPost, u, params)
	if err != nil {
		return domain.ConversationResource{}, fmt.Errorf("connector: create conversation: %w", err)
	}
	var res domain.ConversationResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.ConversationResource{}, fmt.Errorf("connector: decode create conversation response: %w", err)
	}
	if res.ID == "" {
		return domain.ConversationResource{}, errors.New("connector: create conversation returned no id")
	}
	return res, nil
}

// GetPagedMembers returns one page of the conversation roster. An empty
// continuation token in the result marks the last page.
func (c *Client) GetPagedMembers(ctx context.Context, serviceURL, conversationID string, pageSize int, continuationToken string) (domain.PagedMembers, error) {
	if conversationID == "" {
		return domain.PagedMembers{}, errors.New("connector: conversation id must not be empty")
	}
	u, err := conversationsURL(serviceURL, conversationID, "pagedmembers")
	if err != nil {
		return domain.PagedMembers{}, err
	}
	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if continuationToken != "" {
		q.Set("continuationToken", continuationToken)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	raw, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.PagedMembers{}, fmt.Errorf("connector: get paged members: %w", err)
	}
	var page domain.PagedMembers
	if err := json.Unmarshal(raw, &page); err != nil {
		return domain.PagedMembers{}, fmt.Errorf("connector: decode paged members: %w", err)
	}
	return page, nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
