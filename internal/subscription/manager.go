// Package subscription keeps Microsoft Graph change subscriptions alive for
// every Outlook mailbox: one per monitored folder, renewed before expiry.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/store"
)

const (
	// createPause spaces subscription creations to stay under Graph's
	// rate limits.
	createPause = 2 * time.Second

	// batchSize creations trigger a longer cooldown.
	batchSize  = 50
	batchPause = 60 * time.Second

	// defaultThrottlePause applies on a 429 with no Retry-After.
	defaultThrottlePause = 60 * time.Second
)

// monitoredFolders lists the folders each Outlook mailbox subscribes to.
var monitoredFolders = []string{graph.FolderInbox, graph.FolderJunk}

// Manager owns subscription lifecycle for all Outlook mailboxes.
type Manager struct {
	store       *store.Store
	graph       *graph.Client
	webhookURL  string
	renewBefore time.Duration
	interval    time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Manager. webhookURL must be the public notification
// endpoint; an empty URL disables all operations.
func New(st *store.Store, gc *graph.Client, webhookURL string, renewBefore, interval time.Duration) *Manager {
	if renewBefore <= 0 {
		renewBefore = 12 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Manager{
		store:       st,
		graph:       gc,
		webhookURL:  webhookURL,
		renewBefore: renewBefore,
		interval:    interval,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enabled reports whether the push path is configured.
func (m *Manager) Enabled() bool { return m.webhookURL != "" }

// EnsureMailbox creates any missing folder subscriptions for one Outlook
// mailbox. Existing unexpired subscriptions are left alone. Returns how
// many were created.
func (m *Manager) EnsureMailbox(ctx context.Context, mb *store.Mailbox) (int, error) {
	if !m.Enabled() {
		return 0, errors.New("subscription: webhook URL not configured")
	}
	existing, err := m.store.ListSubscriptions(ctx, mb.ID)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool)
	now := time.Now()
	for _, sub := range existing {
		if sub.ExpirationTime.After(now) {
			active[sub.Resource] = true
		}
	}

	var missing []string
	for _, folder := range monitoredFolders {
		if !active[graph.FolderResource(folder)] {
			missing = append(missing, folder)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	tok, err := m.graph.RefreshToken(ctx, mb.ClientID, mb.RefreshToken)
	if err != nil {
		m.recordError(mb.ID, err)
		return 0, fmt.Errorf("refreshing token for %s: %w", mb.Email, err)
	}

	created := 0
	for i, folder := range missing {
		// Creations are spaced out even within one mailbox.
		if i > 0 {
			if err := m.sleep(ctx, createPause); err != nil {
				return created, err
			}
		}
		sub, err := m.graph.CreateSubscription(ctx, tok.AccessToken, folder, m.webhookURL, graph.ClientState(mb.ID))
		if err != nil {
			if errors.Is(err, graph.ErrThrottled) {
				return created, err
			}
			m.recordError(mb.ID, err)
			return created, fmt.Errorf("creating %s subscription for %s: %w", folder, mb.Email, err)
		}
		exp, err := sub.Expiration()
		if err != nil {
			exp = time.Now().Add(graph.MaxExpirationMinutes * time.Minute)
		}
		err = m.store.SaveSubscription(ctx, &store.Subscription{
			MailboxID:      mb.ID,
			SubscriptionID: sub.ID,
			Resource:       graph.FolderResource(folder),
			ExpirationTime: exp,
		})
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// BulkResult summarizes an EnsureAll pass.
type BulkResult struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// EnsureAll walks every Outlook mailbox and fills in missing subscriptions,
// pacing creations 2 seconds apart with a 60 second cooldown every 50. A
// throttled response pauses for Retry-After before moving on.
func (m *Manager) EnsureAll(ctx context.Context) (*BulkResult, error) {
	mailboxes, err := m.store.ListOutlookMailboxes(ctx)
	if err != nil {
		return nil, err
	}
	res := &BulkResult{Total: len(mailboxes)}

	creations := 0
	for _, mb := range mailboxes {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		created, err := m.EnsureMailbox(ctx, mb)
		res.Created += created
		creations += created

		switch {
		case err == nil && created == 0:
			res.Skipped++
			continue
		case errors.Is(err, graph.ErrThrottled):
			res.Failed++
			pause := defaultThrottlePause
			var apiErr *graph.APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				pause = apiErr.RetryAfter
			}
			log.Printf("[Subscription] throttled, pausing %s", pause)
			if err := m.sleep(ctx, pause); err != nil {
				return res, err
			}
			continue
		case err != nil:
			res.Failed++
			log.Printf("[Subscription] mailbox %s: %v", mb.Email, err)
			continue
		}

		if creations > 0 && creations%batchSize == 0 {
			log.Printf("[Subscription] %d created, cooling down %s", creations, batchPause)
			if err := m.sleep(ctx, batchPause); err != nil {
				return res, err
			}
		} else if err := m.sleep(ctx, createPause); err != nil {
			return res, err
		}
	}
	log.Printf("[Subscription] bulk create done: %d created, %d skipped, %d failed of %d mailboxes",
		res.Created, res.Skipped, res.Failed, res.Total)
	return res, nil
}

// Remove tears down a mailbox's subscriptions. Provider-side deletion is
// best-effort; local records always go.
func (m *Manager) Remove(ctx context.Context, mb *store.Mailbox) error {
	subs, err := m.store.ListSubscriptions(ctx, mb.ID)
	if err != nil {
		return err
	}
	if len(subs) > 0 {
		tok, err := m.graph.RefreshToken(ctx, mb.ClientID, mb.RefreshToken)
		if err != nil {
			log.Printf("[Subscription] token refresh for teardown of %s failed: %v", mb.Email, err)
		} else {
			for _, sub := range subs {
				if err := m.graph.DeleteSubscription(ctx, tok.AccessToken, sub.SubscriptionID); err != nil {
					log.Printf("[Subscription] provider delete %s: %v", sub.SubscriptionID, err)
				}
			}
		}
	}
	return m.store.DeleteMailboxSubscriptions(ctx, mb.ID)
}

// Start launches the renewal loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("subscription: renewal loop already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	log.Printf("[Subscription] starting renewal loop, interval %s, renew window %s", m.interval, m.renewBefore)
	m.wg.Add(1)
	go m.renewalLoop()
	return nil
}

// Stop halts the renewal loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	log.Printf("[Subscription] renewal loop stopped")
}

func (m *Manager) renewalLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// One pass up front so a restart does not leave subscriptions to
	// lapse for a full interval.
	m.RenewExpiring(m.ctx)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RenewExpiring(m.ctx)
		}
	}
}

// RenewExpiring renews every subscription expiring within the renew window.
// A renewal rejected as gone is recreated from scratch.
func (m *Manager) RenewExpiring(ctx context.Context) {
	subs, err := m.store.ExpiringSubscriptions(ctx, time.Now().Add(m.renewBefore))
	if err != nil {
		log.Printf("[Subscription] scanning for expiring subscriptions: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	log.Printf("[Subscription] renewing %d subscriptions", len(subs))

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if err := m.renewOne(ctx, sub); err != nil {
			if errors.Is(err, graph.ErrThrottled) {
				log.Printf("[Subscription] throttled during renewal, deferring to next cycle")
				return
			}
			log.Printf("[Subscription] renewing %s: %v", sub.SubscriptionID, err)
		}
	}
}

func (m *Manager) renewOne(ctx context.Context, sub *store.Subscription) error {
	mb, err := m.store.GetMailbox(ctx, sub.MailboxID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Mailbox is gone; drop the orphan record.
			return m.store.DeleteSubscription(ctx, sub.SubscriptionID)
		}
		return err
	}

	tok, err := m.graph.RefreshToken(ctx, mb.ClientID, mb.RefreshToken)
	if err != nil {
		m.recordError(mb.ID, err)
		return fmt.Errorf("refreshing token: %w", err)
	}

	renewed, err := m.graph.RenewSubscription(ctx, tok.AccessToken, sub.SubscriptionID)
	if err != nil {
		if errors.Is(err, graph.ErrThrottled) {
			return err
		}
		// The provider no longer knows this subscription. Delete the
		// local record and recreate.
		log.Printf("[Subscription] renew rejected for %s, recreating: %v", sub.SubscriptionID, err)
		if derr := m.store.DeleteSubscription(ctx, sub.SubscriptionID); derr != nil {
			return derr
		}
		_, err = m.EnsureMailbox(ctx, mb)
		return err
	}

	exp, err := renewed.Expiration()
	if err != nil {
		exp = time.Now().Add(graph.MaxExpirationMinutes * time.Minute)
	}
	return m.store.UpdateSubscriptionExpiration(ctx, sub.SubscriptionID, exp)
}

func (m *Manager) recordError(mailboxID int64, cause error) {
	if !errors.Is(cause, graph.ErrAuthFailed) && !errors.Is(cause, graph.ErrPermanent) {
		return
	}
	msg := cause.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if err := m.store.SetMailboxError(context.Background(), mailboxID, msg); err != nil {
		log.Printf("[Subscription] recording error for mailbox %d: %v", mailboxID, err)
	}
}
