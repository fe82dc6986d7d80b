// Package checker pulls mail on demand. It routes Outlook mailboxes through
// Microsoft Graph (unless disabled system-wide) and everything else through
// IMAP, with per-mailbox mutual exclusion shared with the push path.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/mailhub/internal/graph"
	"github.com/ignite/mailhub/internal/imapfetch"
	"github.com/ignite/mailhub/internal/pkg/distlock"
	"github.com/ignite/mailhub/internal/platform"
	"github.com/ignite/mailhub/internal/store"
)

// ErrAlreadyProcessing is returned when a check is requested for a mailbox
// that has one in flight.
var ErrAlreadyProcessing = errors.New("checker: mailbox check already in progress")

// ErrCheckTimeout is returned when a single check exceeds its deadline.
var ErrCheckTimeout = errors.New("checker: check timed out")

// webhookFetchLimit caps how many messages a push-triggered fetch pulls.
const webhookFetchLimit = 5

// ProgressFunc receives milestone updates during a check. Implementations
// must not block; panics are swallowed.
type ProgressFunc func(percent int, status string)

// Publisher delivers new-message events to connected clients.
type Publisher interface {
	Publish(userID int64, records []*store.MailRecord)
}

// Result summarizes one mailbox check.
type Result struct {
	MailboxID   int64  `json:"email_id"`
	Email       string `json:"email"`
	Success     bool   `json:"success"`
	NewMessages int    `json:"new_messages"`
	Error       string `json:"error,omitempty"`
}

// Checker runs mailbox checks on a bounded worker pool.
type Checker struct {
	store      *store.Store
	graph      *graph.Client
	imap       *imapfetch.Fetcher
	classifier *platform.Classifier
	publisher  Publisher
	locker     distlock.Locker
	timeout    time.Duration

	sem chan struct{}

	mu        sync.Mutex
	stopFlags map[int64]bool
}

// New creates a Checker. workers bounds concurrent batch checks; timeout is
// the per-mailbox wall clock limit.
func New(st *store.Store, gc *graph.Client, im *imapfetch.Fetcher, cl *platform.Classifier,
	pub Publisher, locker distlock.Locker, workers int, timeout time.Duration) *Checker {
	if workers <= 0 {
		workers = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Checker{
		store:      st,
		graph:      gc,
		imap:       im,
		classifier: cl,
		publisher:  pub,
		locker:     locker,
		timeout:    timeout,
		sem:        make(chan struct{}, workers),
		stopFlags:  make(map[int64]bool),
	}
}

func lockKey(mailboxID int64) string {
	return "check:" + strconv.FormatInt(mailboxID, 10)
}

// IsProcessing reports whether a check is in flight for the mailbox.
func (c *Checker) IsProcessing(ctx context.Context, mailboxID int64) bool {
	held, err := c.locker.Held(ctx, lockKey(mailboxID))
	if err != nil {
		log.Printf("[Checker] lock probe for mailbox %d failed: %v", mailboxID, err)
		return false
	}
	return held
}

// Stop requests cooperative cancellation of an in-flight check. The flag is
// observed between fetch steps; in-flight network calls finish first.
func (c *Checker) Stop(mailboxID int64) {
	c.mu.Lock()
	c.stopFlags[mailboxID] = true
	c.mu.Unlock()
}

func (c *Checker) stopped(mailboxID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopFlags[mailboxID]
}

func (c *Checker) clearStop(mailboxID int64) {
	c.mu.Lock()
	delete(c.stopFlags, mailboxID)
	c.mu.Unlock()
}

// CheckOne runs a synchronous check for one mailbox. Returns
// ErrAlreadyProcessing when another worker holds the mailbox, and
// ErrCheckTimeout when the deadline passes.
func (c *Checker) CheckOne(ctx context.Context, mailboxID, ownerID int64, progress ProgressFunc) (*Result, error) {
	ok, err := c.locker.TryAcquire(ctx, lockKey(mailboxID))
	if err != nil {
		return nil, fmt.Errorf("acquiring check lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyProcessing
	}
	defer c.release(mailboxID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res := c.run(ctx, mailboxID, ownerID, progress)
	if ctx.Err() == context.DeadlineExceeded {
		return res, ErrCheckTimeout
	}
	return res, nil
}

// CheckMany dispatches checks to the background pool and returns
// immediately. Mailboxes already in flight are reported in skipped.
func (c *Checker) CheckMany(ctx context.Context, mailboxIDs []int64, ownerID int64) (submitted, skipped []int64) {
	for _, id := range mailboxIDs {
		ok, err := c.locker.TryAcquire(ctx, lockKey(id))
		if err != nil || !ok {
			skipped = append(skipped, id)
			continue
		}
		submitted = append(submitted, id)

		go func(id int64) {
			defer c.release(id)

			c.sem <- struct{}{}
			defer func() { <-c.sem }()

			runCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			res := c.run(runCtx, id, ownerID, nil)
			if !res.Success {
				log.Printf("[Checker] batch check mailbox %d failed: %s", id, res.Error)
			}
		}(id)
	}
	return submitted, skipped
}

func (c *Checker) release(mailboxID int64) {
	c.clearStop(mailboxID)
	if err := c.locker.Release(context.Background(), lockKey(mailboxID)); err != nil {
		log.Printf("[Checker] releasing lock for mailbox %d: %v", mailboxID, err)
	}
}

// run executes the fetch pipeline. The mailbox lock must be held.
func (c *Checker) run(ctx context.Context, mailboxID, ownerID int64, progress ProgressFunc) *Result {
	report := func(percent int, status string) {
		if progress == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Checker] progress callback panicked: %v", r)
			}
		}()
		progress(percent, status)
	}

	res := &Result{MailboxID: mailboxID}
	report(0, "starting")

	mb, err := c.store.GetMailbox(ctx, mailboxID, ownerID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Email = mb.Email

	// First sync pulls the provider's default window instead of filtering
	// by the high-water mark.
	count, err := c.store.CountMailRecords(ctx, mailboxID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	var since time.Time
	if count > 0 && mb.LastCheckTime != nil {
		since = *mb.LastCheckTime
	}

	var newRecords []*store.MailRecord
	useGraph := false
	if mb.IsOutlook() {
		enabled, err := c.store.GraphAPIEnabled(ctx)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		useGraph = enabled
	}

	if useGraph {
		newRecords, err = c.fetchGraph(ctx, mb, since, 50, report)
	} else {
		newRecords, err = c.fetchIMAP(ctx, mb, since, report)
	}
	if err != nil {
		c.recordFailure(mb, err)
		// Messages persisted before the failure still get classified and
		// pushed to connected clients.
		c.afterFetch(ctx, mb, newRecords)
		res.Error = err.Error()
		res.NewMessages = len(newRecords)
		return res
	}

	report(90, "saving")
	if err := c.store.TouchMailbox(ctx, mb.ID); err != nil {
		log.Printf("[Checker] touching mailbox %d: %v", mb.ID, err)
	}

	c.afterFetch(ctx, mb, newRecords)

	res.Success = true
	res.NewMessages = len(newRecords)
	report(100, "done")
	return res
}

// fetchGraph pulls the monitored folders via Microsoft Graph.
func (c *Checker) fetchGraph(ctx context.Context, mb *store.Mailbox, since time.Time, limit int, report ProgressFunc) ([]*store.MailRecord, error) {
	report(10, "authenticating")
	tok, err := c.graph.RefreshToken(ctx, mb.ClientID, mb.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != mb.RefreshToken {
		if err := c.store.UpdateRefreshToken(ctx, mb.ID, tok.RefreshToken); err != nil {
			log.Printf("[Checker] rotating refresh token for %s: %v", mb.Email, err)
		}
	}

	folders := []struct {
		graphName string
		stored    string
		percent   int
	}{
		{graph.FolderInbox, "INBOX", 40},
		{graph.FolderJunk, "JUNK", 70},
	}

	var saved []*store.MailRecord
	for _, f := range folders {
		if c.stopped(mb.ID) {
			return saved, nil
		}
		report(f.percent, "checking "+f.stored)
		msgs, err := c.graph.ListMessages(ctx, tok.AccessToken, f.graphName, limit, since)
		if err != nil {
			return saved, fmt.Errorf("listing %s: %w", f.stored, err)
		}
		for _, m := range msgs {
			rec := &store.MailRecord{
				MailboxID:      mb.ID,
				Subject:        m.Subject,
				Sender:         m.Sender(),
				ReceivedTime:   m.ReceivedDateTime.UTC(),
				Content:        m.Body.Content,
				Folder:         f.stored,
				HasAttachments: m.HasAttachments,
			}
			inserted, id, err := c.store.AddMailRecord(ctx, rec)
			if err != nil {
				log.Printf("[Checker] saving message for %s: %v", mb.Email, err)
				continue
			}
			if !inserted {
				continue
			}
			rec.ID = id
			saved = append(saved, rec)

			if m.HasAttachments {
				c.saveGraphAttachments(ctx, tok.AccessToken, m.ID, id)
			}
		}
	}
	return saved, nil
}

func (c *Checker) saveGraphAttachments(ctx context.Context, accessToken, messageID string, mailID int64) {
	atts, err := c.graph.ListAttachments(ctx, accessToken, messageID)
	if err != nil {
		log.Printf("[Checker] listing attachments: %v", err)
		return
	}
	for _, a := range atts {
		_, err := c.store.AddAttachment(ctx, &store.Attachment{
			MailID:      mailID,
			Filename:    a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Content:     a.ContentBytes,
		})
		if err != nil {
			log.Printf("[Checker] saving attachment %s: %v", a.Name, err)
		}
	}
}

// fetchIMAP pulls the inbox and junk folder over IMAP.
func (c *Checker) fetchIMAP(ctx context.Context, mb *store.Mailbox, since time.Time, report ProgressFunc) ([]*store.MailRecord, error) {
	report(10, "connecting")
	acct := imapfetch.Account{
		Email:    mb.Email,
		Password: mb.Password,
		Server:   mb.Server,
		Port:     mb.Port,
		UseSSL:   mb.UseSSL,
		MailType: mb.MailType,
	}

	msgs, fetchErr := c.imap.Fetch(ctx, acct, since)
	report(70, "saving messages")

	// Partial success still persists whatever came back before the error.
	var saved []*store.MailRecord
	for _, m := range msgs {
		if c.stopped(mb.ID) {
			break
		}
		folder := "INBOX"
		if m.Folder != "INBOX" {
			folder = "JUNK"
		}
		rec := &store.MailRecord{
			MailboxID:      mb.ID,
			Subject:        m.Subject,
			Sender:         m.Sender,
			ReceivedTime:   m.ReceivedTime,
			Content:        m.Body,
			Folder:         folder,
			HasAttachments: m.HasAttachments,
		}
		inserted, id, err := c.store.AddMailRecord(ctx, rec)
		if err != nil {
			log.Printf("[Checker] saving message for %s: %v", mb.Email, err)
			continue
		}
		if !inserted {
			continue
		}
		rec.ID = id
		saved = append(saved, rec)

		for _, a := range m.Attachments {
			_, err := c.store.AddAttachment(ctx, &store.Attachment{
				MailID:      id,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Size:        int64(len(a.Content)),
				Content:     a.Content,
			})
			if err != nil {
				log.Printf("[Checker] saving attachment %s: %v", a.Filename, err)
			}
		}
	}
	return saved, fetchErr
}

// FetchRecent is the push-path fetch: grab the newest inbox messages with
// no since filter and persist them, relying on idempotent inserts.
func (c *Checker) FetchRecent(ctx context.Context, mailboxID int64) ([]*store.MailRecord, error) {
	ok, err := c.locker.TryAcquire(ctx, lockKey(mailboxID))
	if err != nil {
		return nil, fmt.Errorf("acquiring check lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyProcessing
	}
	defer c.release(mailboxID)

	mb, err := c.store.GetMailbox(ctx, mailboxID, 0)
	if err != nil {
		return nil, err
	}

	tok, err := c.graph.RefreshToken(ctx, mb.ClientID, mb.RefreshToken)
	if err != nil {
		c.recordFailure(mb, err)
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != mb.RefreshToken {
		if err := c.store.UpdateRefreshToken(ctx, mb.ID, tok.RefreshToken); err != nil {
			log.Printf("[Checker] rotating refresh token for %s: %v", mb.Email, err)
		}
	}

	msgs, err := c.graph.ListMessages(ctx, tok.AccessToken, graph.FolderInbox, webhookFetchLimit, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}

	var saved []*store.MailRecord
	for _, m := range msgs {
		rec := &store.MailRecord{
			MailboxID:      mb.ID,
			Subject:        m.Subject,
			Sender:         m.Sender(),
			ReceivedTime:   m.ReceivedDateTime.UTC(),
			Content:        m.Body.Content,
			Folder:         "INBOX",
			HasAttachments: m.HasAttachments,
		}
		inserted, id, err := c.store.AddMailRecord(ctx, rec)
		if err != nil || !inserted {
			continue
		}
		rec.ID = id
		saved = append(saved, rec)
	}

	if err := c.store.TouchMailbox(ctx, mb.ID); err != nil {
		log.Printf("[Checker] touching mailbox %d: %v", mb.ID, err)
	}
	c.afterFetch(ctx, mb, saved)
	return saved, nil
}

// afterFetch classifies new messages and pushes them to connected clients.
func (c *Checker) afterFetch(ctx context.Context, mb *store.Mailbox, records []*store.MailRecord) {
	if len(records) == 0 {
		return
	}
	for _, rec := range records {
		c.classifier.Apply(ctx, mb.UserID, mb.ID, rec.Sender, rec.Subject, rec.Content)
		rec.RecipientEmail = mb.Email
	}
	if c.publisher != nil && mb.RealtimeEnabled {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Checker] publish panicked: %v", r)
				}
			}()
			c.publisher.Publish(mb.UserID, records)
		}()
	}
}

func (c *Checker) recordFailure(mb *store.Mailbox, cause error) {
	if errors.Is(cause, graph.ErrThrottled) {
		// Throttling is the provider's problem, not the mailbox's.
		return
	}
	msg := cause.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if err := c.store.SetMailboxError(context.Background(), mb.ID, msg); err != nil {
		log.Printf("[Checker] recording error for %s: %v", mb.Email, err)
	}
}
