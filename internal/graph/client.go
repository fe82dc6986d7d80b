// Package graph is a Microsoft Graph client for mailbox access and change
// subscriptions, authenticated per mailbox with OAuth2 refresh tokens.
package graph

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
	"time"

	"golang.org/x/oauth2"

	"github.com/ignite/mailhub/internal/config"
	"github.com/ignite/mailhub/internal/pkg/httpretry"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	messageSelect = "id,subject,from,receivedDateTime,body,hasAttachments,bodyPreview"
)

// Scopes requested on every token refresh.
var Scopes = []string{"Mail.ReadWrite", "Mail.Send", "User.Read", "offline_access"}

// Folder identifiers monitored per mailbox.
const (
	FolderInbox = "inbox"
	FolderJunk  = "junkemail"
)

// Client is a Microsoft Graph API client. It holds no per-mailbox state;
// callers pass the access token obtained from RefreshToken.
type Client struct {
	baseURL    string
	tokenURL   string
	httpClient httpretry.HTTPDoer

	// tokenClient is used for the OAuth2 token endpoint, which has its own
	// retry semantics inside the oauth2 package.
	tokenClient *http.Client
}

// NewClient creates a Graph client with retrying transport.
func NewClient(cfg config.GraphConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     defaultBaseURL,
		tokenURL:    defaultTokenURL,
		httpClient:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
		tokenClient: &http.Client{Timeout: timeout},
	}
}

// NewTestClient creates a client pointed at a test server; the token
// endpoint is baseURL + "/token". Intended for tests in other packages.
func NewTestClient(baseURL string) *Client {
	hc := &http.Client{Timeout: 5 * time.Second}
	return &Client{
		baseURL:     baseURL,
		tokenURL:    baseURL + "/token",
		httpClient:  hc,
		tokenClient: hc,
	}
}

// Token is the result of a refresh grant. RefreshToken may differ from the
// one sent; callers should persist it when it does.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshToken exchanges a long-lived refresh token for an access token
// against the common tenant.
func (c *Client) RefreshToken(ctx context.Context, clientID, refreshToken string) (*Token, error) {
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: c.tokenURL},
		Scopes:   Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.tokenClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, newTokenError(rerr.Response.StatusCode, string(rerr.Body))
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// Message is a Graph mail message.
type Message struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	From             Recipient `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Body             ItemBody  `json:"body"`
	HasAttachments   bool      `json:"hasAttachments"`
	BodyPreview      string    `json:"bodyPreview"`
}

// Recipient wraps Graph's nested emailAddress object.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is a display name and address pair.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ItemBody is a message body with its content type.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Sender renders the from field as "Name <address>"; just the address when
// no display name is set.
func (m *Message) Sender() string {
	addr := m.From.EmailAddress.Address
	if name := m.From.EmailAddress.Name; name != "" && name != addr {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

// ListMessages returns the newest messages in a well-known folder, ordered
// by received time descending. A non-zero since narrows the window with a
// server-side filter.
func (c *Client) ListMessages(ctx context.Context, accessToken, folder string, limit int, since time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("$select", messageSelect)
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$top", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format("2006-01-02T15:04:05Z")))
	}

	path := fmt.Sprintf("/me/mailFolders/%s/messages", folder)
	body, err := c.doRequest(ctx, http.MethodGet, accessToken, path, params, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Value []Message `json:"value"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return result.Value, nil
}

// GetMessage fetches a single message by Graph id.
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*Message, error) {
	params := url.Values{}
	params.Set("$select", messageSelect)

	body, err := c.doRequest(ctx, http.MethodGet, accessToken, "/me/messages/"+url.PathEscape(messageID), params, nil)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// Attachment is a Graph file attachment with base64 content bytes.
type Attachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes []byte `json:"contentBytes"`
}

// ListAttachments fetches the attachments of a message including content.
func (c *Client) ListAttachments(ctx context.Context, accessToken, messageID string) ([]Attachment, error) {
	path := "/me/messages/" + url.PathEscape(messageID) + "/attachments"
	body, err := c.doRequest(ctx, http.MethodGet, accessToken, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Value []Attachment `json:"value"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	return result.Value, nil
}

// doRequest executes an authenticated Graph call and returns the raw body.
func (c *Client) doRequest(ctx context.Context, method, accessToken, path string, params url.Values, payload any) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return nil, newAPIError(resp.StatusCode, string(body), retryAfter)
	}
	return body, nil
}
