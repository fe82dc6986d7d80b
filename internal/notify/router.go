// Package notify turns Graph webhook notifications into fetch jobs.
package notify

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strconv"

	"github.com/ignite/mailhub/internal/checker"
	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/store"
)

var clientStatePattern = regexp.MustCompile(`^email_(\d+)$`)

// ParseClientState extracts the mailbox id from a notification clientState.
func ParseClientState(s string) (int64, bool) {
	m := clientStatePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Router validates incoming notifications and dispatches fetches. Dedup of
// concurrent fetches per mailbox is delegated to the checker's lock.
type Router struct {
	store   *store.Store
	checker *checker.Checker
}

func New(st *store.Store, ch *checker.Checker) *Router {
	return &Router{store: st, checker: ch}
}

// Dispatch processes a notification batch asynchronously. It returns after
// validation; the fetches run in the background. The caller should have
// already acknowledged the provider.
func (r *Router) Dispatch(env graph.NotificationEnvelope) {
	for _, n := range env.Value {
		if n.ChangeType != "created" {
			continue
		}
		mailboxID, ok := ParseClientState(n.ClientState)
		if !ok {
			log.Printf("[Notify] discarding notification with bad clientState %q", n.ClientState)
			continue
		}
		go r.fetch(mailboxID)
	}
}

func (r *Router) fetch(mailboxID int64) {
	ctx := context.Background()
	if _, err := r.store.GetMailbox(ctx, mailboxID, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[Notify] discarding notification for unknown mailbox %d", mailboxID)
		} else {
			log.Printf("[Notify] looking up mailbox %d: %v", mailboxID, err)
		}
		return
	}

	saved, err := r.checker.FetchRecent(ctx, mailboxID)
	if err != nil {
		if errors.Is(err, checker.ErrAlreadyProcessing) {
			// A fetch is already pulling this batch; the idempotent store
			// makes a second one pointless.
			return
		}
		log.Printf("[Notify] fetch for mailbox %d failed: %v", mailboxID, err)
		return
	}
	if len(saved) > 0 {
		log.Printf("[Notify] mailbox %d: %d new messages", mailboxID, len(saved))
	}
}
