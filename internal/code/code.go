// Package code answers blocking verification-code queries: wait until a
// message with a plausible one-time code lands in a mailbox, or time out.
package code

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/mailhub/internal/store"
)

// ErrCodeTimeout is returned when no code arrives within the deadline.
var ErrCodeTimeout = errors.New("code: no verification code received")

const (
	// DefaultTimeout bounds a wait when the caller does not pick one.
	DefaultTimeout = 120 * time.Second

	// recentWindow is how far back the initial scan looks.
	recentWindow = 30 * time.Second

	// pollInterval paces the follow-up store scans.
	pollInterval = 2 * time.Second

	// pollLookback pads the wait start so a message that raced the first
	// scan is still picked up.
	pollLookback = 10 * time.Second
)

// defaultKeywords gate the scan when the caller supplies no keyword.
var defaultKeywords = []string{"验证码", "verification", "code", "verify", "确认码", "otp", "pin"}

// codePatterns in priority order. Localized phrasings first, the bare
// digit-run fallback last.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`验证码[^0-9]{0,15}(\d{4,8})`),
	regexp.MustCompile(`(\d{4,8})[^0-9]{0,15}验证码`),
	regexp.MustCompile(`确认码[^0-9]{0,15}(\d{4,8})`),
	regexp.MustCompile(`(?i)verification code[^0-9]{0,15}(\d{4,8})`),
	regexp.MustCompile(`(?i)\bcode(?:\s+is)?[^0-9a-z]{0,10}(\d{4,8})`),
	regexp.MustCompile(`(?i)\botp[^0-9]{0,10}(\d{4,8})`),
	regexp.MustCompile(`\b(\d{4,8})\b`),
}

// Result is a matched verification code with its source message.
type Result struct {
	Code         string    `json:"code"`
	Subject      string    `json:"subject"`
	Sender       string    `json:"sender"`
	ReceivedTime time.Time `json:"received_time"`
}

// Waiter polls the store for verification codes.
type Waiter struct {
	store *store.Store
}

func New(st *store.Store) *Waiter {
	return &Waiter{store: st}
}

// WaitForCode blocks until a code shows up in the mailbox or the timeout
// expires. The mailbox is resolved within the caller's scope; a keyword, if
// given, must appear in the message; without one the default code keywords
// apply.
func (w *Waiter) WaitForCode(ctx context.Context, ownerID int64, email, keyword string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	mb, err := w.store.GetMailboxByEmail(ctx, email, ownerID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if res, err := w.scan(ctx, mb.ID, start.Add(-recentWindow), keyword); err != nil || res != nil {
		return res, err
	}

	deadline := start.Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w within %s", ErrCodeTimeout, timeout)
		}
		res, err := w.scan(ctx, mb.ID, start.Add(-pollLookback), keyword)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
}

func (w *Waiter) scan(ctx context.Context, mailboxID int64, since time.Time, keyword string) (*Result, error) {
	msgs, err := w.store.RecentMailRecords(ctx, mailboxID, since)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if code, ok := ExtractCode(m.Subject, m.Content, keyword); ok {
			return &Result{
				Code:         code,
				Subject:      m.Subject,
				Sender:       m.Sender,
				ReceivedTime: m.ReceivedTime,
			}, nil
		}
	}
	return nil, nil
}

// ExtractCode pulls a 4-8 digit verification code out of a message. The
// keyword filter runs first; then patterns are tried in priority order.
func ExtractCode(subject, content, keyword string) (string, bool) {
	haystack := strings.ToLower(subject + " " + content)
	if keyword != "" {
		if !strings.Contains(haystack, strings.ToLower(keyword)) {
			return "", false
		}
	} else if !containsAny(haystack, defaultKeywords) {
		return "", false
	}

	text := subject + " " + content
	for _, re := range codePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		code := m[1]
		if len(code) >= 4 && len(code) <= 8 {
			return code, true
		}
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
