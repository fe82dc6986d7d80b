package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ignite/mailhub/internal/code"
	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/store"
)

// ListMailRecords pages through one mailbox's stored messages, newest
// first.
func (h *Handlers) ListMailRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := h.store.ListMailRecords(r.Context(), id, scopeID(claims(r)), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if records == nil {
		records = []*store.MailRecord{}
	}
	httputil.OK(w, records)
}

// LatestMailRecords returns messages that arrived across all of the
// caller's mailboxes in the last few minutes, falling back to the newest
// ones when the window is empty.
func (h *Handlers) LatestMailRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.LatestMailRecords(r.Context(), scopeID(claims(r)))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if records == nil {
		records = []*store.MailRecord{}
	}
	httputil.OK(w, records)
}

// GetMailRecord returns one message with its full content.
func (h *Handlers) GetMailRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "mailID")
	if !ok {
		return
	}
	rec, err := h.store.GetMailRecord(r.Context(), id, scopeID(claims(r)))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "message not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rec)
}

// ClearMailRecords deletes all stored messages of a mailbox.
func (h *Handlers) ClearMailRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	err := h.store.ClearMailRecords(r.Context(), id, scopeID(claims(r)))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "cleared"})
}

// SearchMailRecords searches stored messages. Fields selects which columns
// participate; none selected means all of them.
func (h *Handlers) SearchMailRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string `json:"query"`
		MailboxID int64  `json:"email_id"`
		Subject   bool   `json:"subject"`
		Sender    bool   `json:"sender"`
		Recipient bool   `json:"recipient"`
		Content   bool   `json:"content"`
		Limit     int    `json:"limit"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		httputil.BadRequest(w, "query is required")
		return
	}
	fields := store.SearchFields{
		Subject:   req.Subject,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Content:   req.Content,
	}
	records, err := h.store.SearchMailRecords(r.Context(), scopeID(claims(r)), req.Query, fields, req.MailboxID, req.Limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if records == nil {
		records = []*store.MailRecord{}
	}
	httputil.OK(w, records)
}

// ListAttachments returns attachment metadata for one message.
func (h *Handlers) ListAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "mailID")
	if !ok {
		return
	}
	// Scope check via the message itself; attachments have no owner column.
	if _, err := h.store.GetMailRecord(r.Context(), id, scopeID(claims(r))); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "message not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	atts, err := h.store.ListAttachments(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if atts == nil {
		atts = []*store.Attachment{}
	}
	httputil.OK(w, atts)
}

// DownloadAttachment streams one attachment's bytes.
func (h *Handlers) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "attachmentID")
	if !ok {
		return
	}
	att, err := h.store.GetAttachment(r.Context(), id, scopeID(claims(r)))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "attachment not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(att.Content)
}

// GetCode blocks until a verification code lands in the mailbox or the
// timeout passes. Timeout maps to 404 so pollers can treat "no code yet"
// like a missing resource.
func (h *Handlers) GetCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email"`
		Keyword        string `json:"keyword"`
		TimeoutSeconds int    `json:"timeout"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	res, err := h.waiter.WaitForCode(r.Context(), scopeID(claims(r)), req.Email, req.Keyword, timeout)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "mailbox not found")
		return
	case errors.Is(err, code.ErrCodeTimeout):
		httputil.NotFound(w, "no verification code received")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}
