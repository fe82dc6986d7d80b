package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MaxExpirationMinutes is the longest lifetime Graph allows for mail
// change subscriptions.
const MaxExpirationMinutes = 4230

// expirationFormat is Graph's expected timestamp layout with seven
// fractional digits.
const expirationFormat = "2006-01-02T15:04:05.0000000Z"

// ClientState derives the shared secret echoed back in webhook
// notifications for a mailbox.
func ClientState(mailboxID int64) string {
	return fmt.Sprintf("email_%d", mailboxID)
}

// FolderResource is the change-notification resource path for a well-known
// folder.
func FolderResource(folder string) string {
	return fmt.Sprintf("me/mailFolders('%s')/messages", folder)
}

// Subscription is a Graph change subscription as returned by the API.
type Subscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState"`
}

// Expiration parses the subscription's expiration timestamp.
func (s *Subscription) Expiration() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s.ExpirationDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expiration %q: %w", s.ExpirationDateTime, err)
	}
	return t, nil
}

// MaxExpiration returns the furthest allowed expiration from now, formatted
// for the API.
func MaxExpiration() string {
	return time.Now().UTC().Add(MaxExpirationMinutes * time.Minute).Format(expirationFormat)
}

// CreateSubscription registers a created-message subscription on a folder.
// notificationURL must be the public webhook endpoint; Graph validates it
// synchronously before returning.
func (c *Client) CreateSubscription(ctx context.Context, accessToken, folder, notificationURL, clientState string) (*Subscription, error) {
	payload := map[string]string{
		"changeType":         "created",
		"notificationUrl":    notificationURL,
		"resource":           FolderResource(folder),
		"expirationDateTime": MaxExpiration(),
		"clientState":        clientState,
	}
	body, err := c.doRequest(ctx, http.MethodPost, accessToken, "/subscriptions", nil, payload)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	return &sub, nil
}

// RenewSubscription pushes a subscription's expiration out to the maximum.
func (c *Client) RenewSubscription(ctx context.Context, accessToken, subscriptionID string) (*Subscription, error) {
	payload := map[string]string{"expirationDateTime": MaxExpiration()}
	body, err := c.doRequest(ctx, http.MethodPatch, accessToken,
		"/subscriptions/"+url.PathEscape(subscriptionID), nil, payload)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription. A 404 is treated as success
// since the subscription is gone either way.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, accessToken,
		"/subscriptions/"+url.PathEscape(subscriptionID), nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// ListSubscriptions returns the subscriptions visible to the token.
func (c *Client) ListSubscriptions(ctx context.Context, accessToken string) ([]Subscription, error) {
	body, err := c.doRequest(ctx, http.MethodGet, accessToken, "/subscriptions", nil, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Value []Subscription `json:"value"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding subscriptions: %w", err)
	}
	return result.Value, nil
}
