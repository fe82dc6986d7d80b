package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/store"
)

// GraphWebhook receives Microsoft Graph change notifications. The
// validation handshake echoes the token back as plain text; real
// notifications are acknowledged immediately and processed in the
// background. Graph retries aggressively on anything but a 2xx, so decode
// failures are logged and still acknowledged.
func (h *Handlers) GraphWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		httputil.Text(w, http.StatusOK, token)
		return
	}

	var env graph.NotificationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		log.Printf("[Webhook] undecodable notification body: %v", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if h.notifier != nil {
		h.notifier.Dispatch(env)
	}
	w.WriteHeader(http.StatusAccepted)
}

// LiveSocket upgrades to a WebSocket delivering new_mails events for the
// caller's mailboxes. Browsers cannot set headers on WebSocket requests,
// which is why the token also rides the query string.
func (h *Handlers) LiveSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, claims(r).UserID)
}

// GraphStatus reports subscription coverage. Each outlook mailbox should
// hold two subscriptions, one per monitored folder.
func (h *Handlers) GraphStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enabled, err := h.store.GraphAPIEnabled(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	outlook, err := h.store.ListOutlookMailboxes(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total, err := h.store.CountSubscriptions(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	expiring, err := h.store.ExpiringSubscriptions(ctx, time.Now().UTC().Add(12*time.Hour))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"graph_api_enabled":    enabled,
		"webhook_configured":   h.subs != nil && h.subs.Enabled(),
		"outlook_mailboxes":    len(outlook),
		"subscriptions":        total,
		"subscriptions_needed": len(outlook) * 2,
		"expiring_within_12h":  len(expiring),
	})
}

// GraphConfig returns the Graph toggle for admins.
func (h *Handlers) GraphConfig(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.store.GraphAPIEnabled(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"graph_api_enabled":  enabled,
		"webhook_configured": h.subs != nil && h.subs.Enabled(),
	})
}

// SetGraphConfig flips the Graph toggle. With Graph off, outlook mailboxes
// fall back to IMAP-style checking being skipped; checks report the
// failure instead of silently using a dead path.
func (h *Handlers) SetGraphConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.store.SetGraphAPIEnabled(r.Context(), req.Enabled); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"graph_api_enabled": req.Enabled})
}

// ListSubscriptions returns every tracked subscription row.
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), 0)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if subs == nil {
		subs = []*store.Subscription{}
	}
	httputil.OK(w, subs)
}

// CreateAllSubscriptions kicks off subscription creation for every outlook
// mailbox. The run is paced against Graph throttling and can take minutes,
// so it goes to the background and the call returns immediately.
func (h *Handlers) CreateAllSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil || !h.subs.Enabled() {
		httputil.BadRequest(w, "webhook URL is not configured")
		return
	}
	go func() {
		res, err := h.subs.EnsureAll(context.Background())
		if err != nil {
			log.Printf("[API] bulk subscription run failed: %v", err)
			return
		}
		log.Printf("[API] bulk subscription run: %d created, %d skipped, %d failed of %d",
			res.Created, res.Skipped, res.Failed, res.Total)
	}()
	httputil.OK(w, map[string]string{"status": "started"})
}

// CreateSubscription ensures subscriptions for one mailbox.
func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	if h.subs == nil || !h.subs.Enabled() {
		httputil.BadRequest(w, "webhook URL is not configured")
		return
	}
	mb, err := h.store.GetMailbox(r.Context(), id, 0)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !mb.IsOutlook() {
		httputil.BadRequest(w, "not an outlook mailbox")
		return
	}
	created, err := h.subs.EnsureMailbox(r.Context(), mb)
	if err != nil {
		if errors.Is(err, graph.ErrThrottled) {
			httputil.Error(w, http.StatusTooManyRequests, "graph is throttling subscription creation")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"created": created})
}

// DeleteSubscription removes a mailbox's subscriptions remotely and
// locally.
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	mb, err := h.store.GetMailbox(r.Context(), id, 0)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.subs != nil {
		if err := h.subs.Remove(r.Context(), mb); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, map[string]string{"status": "deleted"})
}

// MissingSubscriptions lists outlook mailboxes that don't hold a
// subscription for every monitored folder.
func (h *Handlers) MissingSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	outlook, err := h.store.ListOutlookMailboxes(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	counts, err := h.store.SubscriptionCounts(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	type missing struct {
		MailboxID int64  `json:"email_id"`
		Email     string `json:"email"`
		Have      int    `json:"have"`
		Need      int    `json:"need"`
	}
	out := []missing{}
	for _, mb := range outlook {
		if counts[mb.ID] < 2 {
			out = append(out, missing{MailboxID: mb.ID, Email: mb.Email, Have: counts[mb.ID], Need: 2})
		}
	}
	httputil.OK(w, out)
}
