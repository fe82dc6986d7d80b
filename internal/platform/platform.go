// Package platform tags mailboxes with the services that send them mail.
// Classification runs per message: user corrections win over user rules,
// which win over the built-in signup heuristics.
package platform

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"

	"github.com/ignite/mailhub/internal/store"
)

// signupKeywords mark registration and verification mail in the languages
// the service sees in practice.
var signupKeywords = []string{
	"欢迎注册", "注册成功", "欢迎加入", "验证码", "账号注册",
	"welcome to", "verify your", "confirm your", "verification code",
	"activate your account", "registration", "sign up", "your account",
}

// genericProviders are mail domains that never identify a platform.
var genericProviders = map[string]bool{
	"gmail.com": true, "outlook.com": true, "hotmail.com": true,
	"qq.com": true, "163.com": true, "126.com": true, "yahoo.com": true,
	"icloud.com": true, "live.com": true, "foxmail.com": true,
}

// secondaryTLDs are labels that sit directly under a country TLD, so the
// platform label is one position further left.
var secondaryTLDs = map[string]bool{
	"com": true, "co": true, "net": true, "org": true, "gov": true, "edu": true, "ac": true,
}

// Classifier derives platform tags for incoming messages.
type Classifier struct {
	store *store.Store
}

func New(st *store.Store) *Classifier {
	return &Classifier{store: st}
}

// SenderDomain extracts the lowercased domain from a sender in either bare
// or "Name <addr>" form. Empty when no address is present.
func SenderDomain(sender string) string {
	addr := sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = addr[i+1:]
	}
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// PlatformFromDomain turns a sender domain into a display name by title
// casing the registrable label: "mail.notion.so" becomes "Notion".
func PlatformFromDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	label := labels[len(labels)-2]
	if secondaryTLDs[label] && len(labels) >= 3 {
		label = labels[len(labels)-3]
	}
	if label == "" {
		return ""
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

// Classify returns the platform names a message maps to, in priority order:
// a correction for the sender domain short-circuits everything, then every
// matching enabled rule, then at most one heuristic inference.
func (c *Classifier) Classify(ctx context.Context, userID int64, sender, subject, content string) ([]string, error) {
	domain := SenderDomain(sender)

	if domain != "" {
		name, err := c.store.GetPlatformCorrection(ctx, userID, domain)
		if err == nil {
			return []string{name}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	rules, err := c.store.ListPlatformRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if ruleMatches(r, sender, subject, content) {
			names = append(names, r.PlatformName)
		}
	}
	if len(names) > 0 {
		return names, nil
	}

	if name := inferPlatform(domain, subject, content); name != "" {
		return []string{name}, nil
	}
	return nil, nil
}

// ruleMatches applies every supplied pattern as a case-insensitive regexp;
// a pattern that fails to compile disables the rule for this message.
func ruleMatches(r *store.PlatformRule, sender, subject, content string) bool {
	pairs := []struct{ pattern, value string }{
		{r.SenderPattern, sender},
		{r.SubjectPattern, subject},
		{r.ContentPattern, content},
	}
	matched := false
	for _, p := range pairs {
		if p.pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p.pattern)
		if err != nil {
			log.Printf("[Platform] invalid pattern %q in rule %d: %v", p.pattern, r.ID, err)
			return false
		}
		if !re.MatchString(p.value) {
			return false
		}
		matched = true
	}
	return matched
}

func inferPlatform(domain, subject, content string) string {
	if domain == "" || genericProviders[domain] {
		return ""
	}
	haystack := strings.ToLower(subject + " " + content)
	for _, kw := range signupKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return PlatformFromDomain(domain)
		}
	}
	return ""
}

// Apply classifies a message and tags the owning mailbox with the results.
// Tagging failures are logged, not returned; classification is advisory.
func (c *Classifier) Apply(ctx context.Context, userID, mailboxID int64, sender, subject, content string) []string {
	names, err := c.Classify(ctx, userID, sender, subject, content)
	if err != nil {
		log.Printf("[Platform] classify failed for mailbox %d: %v", mailboxID, err)
		return nil
	}
	for _, name := range names {
		if err := c.store.TagMailboxPlatform(ctx, mailboxID, name); err != nil {
			log.Printf("[Platform] tagging mailbox %d with %q failed: %v", mailboxID, name, err)
		}
	}
	return names
}

// ScanHistory reruns classification over every stored message of a user's
// mailboxes and returns how many messages were examined.
func (c *Classifier) ScanHistory(ctx context.Context, userID int64) (int, error) {
	mailboxes, err := c.store.ListMailboxes(ctx, userID)
	if err != nil {
		return 0, err
	}
	scanned := 0
	for _, mb := range mailboxes {
		offset := 0
		for {
			msgs, err := c.store.ListMailRecords(ctx, mb.ID, userID, 200, offset)
			if err != nil {
				return scanned, err
			}
			if len(msgs) == 0 {
				break
			}
			for _, m := range msgs {
				c.Apply(ctx, userID, mb.ID, m.Sender, m.Subject, m.Content)
				scanned++
			}
			offset += len(msgs)
		}
	}
	return scanned, nil
}
