package api

import (
	"errors"
	"math/rand"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/platform"
	"github.com/ignite/mailhub/internal/store"
)

// MailboxPlatforms lists the platform tags on one mailbox.
func (h *Handlers) MailboxPlatforms(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	if !h.ownMailbox(w, r, id) {
		return
	}
	tags, err := h.store.MailboxPlatforms(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	httputil.OK(w, tags)
}

// ownMailbox verifies the mailbox is in the caller's scope, writing the
// error response itself.
func (h *Handlers) ownMailbox(w http.ResponseWriter, r *http.Request, id int64) bool {
	_, err := h.store.GetMailbox(r.Context(), id, scopeID(claims(r)))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return false
	}
	if err != nil {
		httputil.InternalError(w, err)
		return false
	}
	return true
}

// TagPlatform adds a platform tag to a mailbox by hand.
func (h *Handlers) TagPlatform(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	var req struct {
		Platform string `json:"platform"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Platform == "" {
		httputil.BadRequest(w, "platform is required")
		return
	}
	if !h.ownMailbox(w, r, id) {
		return
	}
	if err := h.store.TagMailboxPlatform(r.Context(), id, req.Platform); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "tagged"})
}

// UntagPlatform removes one platform tag from a mailbox.
func (h *Handlers) UntagPlatform(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if !h.ownMailbox(w, r, id) {
		return
	}
	err := h.store.UntagMailboxPlatform(r.Context(), id, name)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "tag not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "untagged"})
}

// BatchAddPlatform tags several mailboxes with one platform.
func (h *Handlers) BatchAddPlatform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs      []int64 `json:"email_ids"`
		Platform string  `json:"platform"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 || req.Platform == "" {
		httputil.BadRequest(w, "email_ids and platform are required")
		return
	}
	ctx := r.Context()
	owner := scopeID(claims(r))
	tagged := 0
	for _, id := range req.IDs {
		if _, err := h.store.GetMailbox(ctx, id, owner); err != nil {
			continue
		}
		if err := h.store.TagMailboxPlatform(ctx, id, req.Platform); err == nil {
			tagged++
		}
	}
	httputil.OK(w, map[string]int{"tagged": tagged})
}

// CorrectPlatform records the user's correction for a misclassified
// sender and fixes the mailbox's tags in the same stroke. Future messages
// from the same domain classify to the corrected name.
func (h *Handlers) CorrectPlatform(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	var req struct {
		Sender       string `json:"sender"`
		PlatformName string `json:"platform_name"`
		OldPlatform  string `json:"old_platform"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Sender == "" || req.PlatformName == "" {
		httputil.BadRequest(w, "sender and platform_name are required")
		return
	}
	domain := platform.SenderDomain(req.Sender)
	if domain == "" {
		httputil.BadRequest(w, "sender has no domain")
		return
	}
	if !h.ownMailbox(w, r, id) {
		return
	}

	ctx := r.Context()
	err := h.store.SavePlatformCorrection(ctx, &store.PlatformCorrection{
		UserID:       claims(r).UserID,
		SenderDomain: domain,
		PlatformName: req.PlatformName,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if req.OldPlatform != "" && req.OldPlatform != req.PlatformName {
		// The old tag may already be gone; that is fine.
		_ = h.store.UntagMailboxPlatform(ctx, id, req.OldPlatform)
	}
	if err := h.store.TagMailboxPlatform(ctx, id, req.PlatformName); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{
		"status":        "corrected",
		"sender_domain": domain,
		"platform_name": req.PlatformName,
	})
}

// ListPlatforms returns every platform name the caller's mailboxes carry,
// with how many mailboxes each covers.
func (h *Handlers) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.AllMailboxPlatforms(r.Context(), scopeID(claims(r)))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, tags := range all {
		for _, t := range tags {
			counts[t]++
		}
	}
	type platformCount struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out := make([]platformCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, platformCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	httputil.OK(w, out)
}

// splitByPlatform partitions the caller's mailboxes into those tagged with
// the platform and those not.
func (h *Handlers) splitByPlatform(r *http.Request, name string) (tagged, untagged []*store.Mailbox, err error) {
	ctx := r.Context()
	owner := scopeID(claims(r))
	boxes, err := h.store.ListMailboxes(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	all, err := h.store.AllMailboxPlatforms(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	for _, b := range boxes {
		found := false
		for _, t := range all[b.ID] {
			if t == name {
				found = true
				break
			}
		}
		if found {
			tagged = append(tagged, sanitize(b))
		} else {
			untagged = append(untagged, sanitize(b))
		}
	}
	return tagged, untagged, nil
}

// PlatformRegistered lists mailboxes already tagged with the platform.
func (h *Handlers) PlatformRegistered(w http.ResponseWriter, r *http.Request) {
	tagged, _, err := h.splitByPlatform(r, chi.URLParam(r, "name"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if tagged == nil {
		tagged = []*store.Mailbox{}
	}
	httputil.OK(w, tagged)
}

// PlatformUnregistered picks one random mailbox not yet on the platform.
// The remaining count tells the caller how many more picks are left.
func (h *Handlers) PlatformUnregistered(w http.ResponseWriter, r *http.Request) {
	_, untagged, err := h.splitByPlatform(r, chi.URLParam(r, "name"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if len(untagged) == 0 {
		httputil.NotFound(w, "no unregistered mailboxes")
		return
	}
	pick := untagged[rand.Intn(len(untagged))]
	httputil.OK(w, map[string]any{
		"email":     pick,
		"remaining": len(untagged),
	})
}

// PlatformUnregisteredAll lists every mailbox not yet on the platform.
func (h *Handlers) PlatformUnregisteredAll(w http.ResponseWriter, r *http.Request) {
	_, untagged, err := h.splitByPlatform(r, chi.URLParam(r, "name"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if untagged == nil {
		untagged = []*store.Mailbox{}
	}
	httputil.OK(w, untagged)
}

// RenamePlatform renames a tag across all of the caller's mailboxes.
func (h *Handlers) RenamePlatform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" || req.From == req.To {
		httputil.BadRequest(w, "from and to must differ and be non-empty")
		return
	}
	n, err := h.store.RenamePlatform(r.Context(), claims(r).UserID, req.From, req.To)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"renamed": n})
}

// ScanPlatforms re-classifies all stored messages and re-tags mailboxes.
func (h *Handlers) ScanPlatforms(w http.ResponseWriter, r *http.Request) {
	scanned, err := h.classifier.ScanHistory(r.Context(), claims(r).UserID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"scanned": scanned})
}

// ListPlatformRules returns the caller's classification rules.
func (h *Handlers) ListPlatformRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListPlatformRules(r.Context(), claims(r).UserID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if rules == nil {
		rules = []*store.PlatformRule{}
	}
	httputil.OK(w, rules)
}

type ruleRequest struct {
	PlatformName   string `json:"platform_name"`
	SenderPattern  string `json:"sender_pattern"`
	SubjectPattern string `json:"subject_pattern"`
	ContentPattern string `json:"content_pattern"`
	Enabled        *bool  `json:"is_enabled"`
}

func (req *ruleRequest) validate() error {
	if req.PlatformName == "" {
		return errors.New("platform_name is required")
	}
	if req.SenderPattern == "" && req.SubjectPattern == "" && req.ContentPattern == "" {
		return errors.New("at least one pattern is required")
	}
	return nil
}

// AddPlatformRule creates a classification rule.
func (h *Handlers) AddPlatformRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rule := &store.PlatformRule{
		UserID:         claims(r).UserID,
		PlatformName:   req.PlatformName,
		SenderPattern:  req.SenderPattern,
		SubjectPattern: req.SubjectPattern,
		ContentPattern: req.ContentPattern,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	id, err := h.store.AddPlatformRule(r.Context(), rule)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	rule.ID = id
	httputil.Created(w, rule)
}

// UpdatePlatformRule rewrites a rule in place.
func (h *Handlers) UpdatePlatformRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "ruleID")
	if !ok {
		return
	}
	var req ruleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rule := &store.PlatformRule{
		ID:             id,
		UserID:         claims(r).UserID,
		PlatformName:   req.PlatformName,
		SenderPattern:  req.SenderPattern,
		SubjectPattern: req.SubjectPattern,
		ContentPattern: req.ContentPattern,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	err := h.store.UpdatePlatformRule(r.Context(), rule)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "rule not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rule)
}

// DeletePlatformRule removes a rule.
func (h *Handlers) DeletePlatformRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "ruleID")
	if !ok {
		return
	}
	err := h.store.DeletePlatformRule(r.Context(), id, claims(r).UserID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "rule not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "deleted"})
}

// ListPlatformCorrections returns the caller's corrections.
func (h *Handlers) ListPlatformCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := h.store.PlatformCorrections(r.Context(), claims(r).UserID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if corrections == nil {
		corrections = []*store.PlatformCorrection{}
	}
	httputil.OK(w, corrections)
}

// DeletePlatformCorrection removes one correction.
func (h *Handlers) DeletePlatformCorrection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "correctionID")
	if !ok {
		return
	}
	err := h.store.DeletePlatformCorrection(r.Context(), id, claims(r).UserID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "correction not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "deleted"})
}
