package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/store"
)

const defaultPageSize = 20

// mailboxView is a mailbox enriched for the list endpoint. Credentials are
// never included; the password endpoint reveals them on demand.
type mailboxView struct {
	*store.Mailbox
	Platforms         []string `json:"platforms"`
	SubscriptionCount int      `json:"subscription_count"`
	MailCount         int      `json:"mail_count"`
}

func sanitize(m *store.Mailbox) *store.Mailbox {
	c := *m
	c.Password = ""
	c.RefreshToken = ""
	return &c
}

// ListMailboxes returns the caller's mailboxes, paginated, with optional
// prefix search. Mailboxes with errors sort first so problems surface.
func (h *Handlers) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := scopeID(claims(r))

	boxes, err := h.store.ListMailboxes(ctx, owner)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if q := strings.ToLower(r.URL.Query().Get("search")); q != "" {
		filtered := boxes[:0]
		for _, b := range boxes {
			if strings.HasPrefix(strings.ToLower(b.Email), q) {
				filtered = append(filtered, b)
			}
		}
		boxes = filtered
	}

	sort.SliceStable(boxes, func(i, j int) bool {
		ei, ej := boxes[i].LastError != "", boxes[j].LastError != ""
		if ei != ej {
			return ei
		}
		return boxes[i].ID < boxes[j].ID
	})

	total := len(boxes)
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", defaultPageSize)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = defaultPageSize
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	boxes = boxes[start:end]

	platforms, err := h.store.AllMailboxPlatforms(ctx, owner)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	subCounts, err := h.store.SubscriptionCounts(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	views := make([]*mailboxView, 0, len(boxes))
	for _, b := range boxes {
		count, err := h.store.CountMailRecords(ctx, b.ID)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		tags := platforms[b.ID]
		if tags == nil {
			tags = []string{}
		}
		views = append(views, &mailboxView{
			Mailbox:           sanitize(b),
			Platforms:         tags,
			SubscriptionCount: subCounts[b.ID],
			MailCount:         count,
		})
	}

	httputil.OK(w, map[string]any{
		"items":     views,
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

type mailboxRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
	MailType     string `json:"mail_type"`
	Server       string `json:"server"`
	Port         int    `json:"port"`
	UseSSL       *bool  `json:"use_ssl"`
}

func (req *mailboxRequest) validate() error {
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return errors.New("a valid email address is required")
	}
	switch req.MailType {
	case store.TypeOutlook:
		if req.ClientID == "" || req.RefreshToken == "" {
			return errors.New("outlook mailboxes need client_id and refresh_token")
		}
	case store.TypeGmail, store.TypeQQ:
		if req.Password == "" {
			return errors.New("password is required")
		}
	case store.TypeIMAP:
		if req.Password == "" || req.Server == "" {
			return errors.New("imap mailboxes need password and server")
		}
	default:
		return fmt.Errorf("unknown mail_type %q", req.MailType)
	}
	return nil
}

// AddMailbox connects a mail account for the caller.
func (h *Handlers) AddMailbox(w http.ResponseWriter, r *http.Request) {
	var req mailboxRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	useSSL := true
	if req.UseSSL != nil {
		useSSL = *req.UseSSL
	}
	mb := &store.Mailbox{
		UserID:          claims(r).UserID,
		Email:           req.Email,
		Password:        req.Password,
		ClientID:        req.ClientID,
		RefreshToken:    req.RefreshToken,
		MailType:        req.MailType,
		Server:          req.Server,
		Port:            req.Port,
		UseSSL:          useSSL,
		RealtimeEnabled: true,
	}
	id, err := h.store.AddMailbox(r.Context(), mb)
	if errors.Is(err, store.ErrDuplicate) {
		httputil.Conflict(w, "mailbox already exists")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	mb.ID = id
	httputil.Created(w, sanitize(mb))
}

// UpdateMailbox changes credentials or connection settings. Only fields
// present in the body are touched.
func (h *Handlers) UpdateMailbox(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	var req struct {
		Email        *string `json:"email"`
		Password     *string `json:"password"`
		ClientID     *string `json:"client_id"`
		RefreshToken *string `json:"refresh_token"`
		Server       *string `json:"server"`
		Port         *int    `json:"port"`
		UseSSL       *bool   `json:"use_ssl"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	upd := store.MailboxUpdate{
		Email:        req.Email,
		Password:     req.Password,
		ClientID:     req.ClientID,
		RefreshToken: req.RefreshToken,
		Server:       req.Server,
		Port:         req.Port,
		UseSSL:       req.UseSSL,
	}
	err := h.store.UpdateMailbox(r.Context(), id, scopeID(claims(r)), upd)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if errors.Is(err, store.ErrDuplicate) {
		httputil.Conflict(w, "email already in use")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "updated"})
}

// DeleteMailbox removes a mailbox with all its messages, tags and
// subscriptions. The remote Graph subscription is removed best-effort.
func (h *Handlers) DeleteMailbox(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	ctx := r.Context()
	owner := scopeID(claims(r))

	mb, err := h.store.GetMailbox(ctx, id, owner)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if h.subs != nil && mb.IsOutlook() {
		if err := h.subs.Remove(ctx, mb); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	if err := h.store.DeleteMailbox(ctx, id, owner); err != nil && !errors.Is(err, store.ErrNotFound) {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "deleted"})
}

// BatchDeleteMailboxes removes several mailboxes in one transaction.
func (h *Handlers) BatchDeleteMailboxes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"email_ids"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		httputil.BadRequest(w, "email_ids is empty")
		return
	}
	ctx := r.Context()
	owner := scopeID(claims(r))

	if h.subs != nil {
		for _, id := range req.IDs {
			mb, err := h.store.GetMailbox(ctx, id, owner)
			if err != nil || !mb.IsOutlook() {
				continue
			}
			if err := h.subs.Remove(ctx, mb); err != nil {
				httputil.InternalError(w, err)
				return
			}
		}
	}

	err := h.store.DeleteMailboxes(ctx, req.IDs, owner)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "no matching mailboxes")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": "deleted", "count": len(req.IDs)})
}

// MailboxPassword reveals the stored credentials of one mailbox.
func (h *Handlers) MailboxPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	mb, err := h.store.GetMailbox(r.Context(), id, scopeID(claims(r)))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{
		"email":         mb.Email,
		"password":      mb.Password,
		"client_id":     mb.ClientID,
		"refresh_token": mb.RefreshToken,
	})
}

// SetRealtime toggles webhook-driven push for one mailbox.
func (h *Handlers) SetRealtime(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	err := h.store.SetRealtimeEnabled(r.Context(), id, scopeID(claims(r)), req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "mailbox not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"realtime_enabled": req.Enabled})
}

const exportSep = "----"

// ExportMailboxes dumps the caller's mailboxes as one credential line per
// mailbox: addr----password----client_id----refresh_token for outlook,
// addr----password----type for the rest.
func (h *Handlers) ExportMailboxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := h.store.ListMailboxes(r.Context(), scopeID(claims(r)))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	var b strings.Builder
	for _, mb := range boxes {
		if mb.IsOutlook() {
			b.WriteString(strings.Join([]string{mb.Email, mb.Password, mb.ClientID, mb.RefreshToken}, exportSep))
		} else {
			b.WriteString(strings.Join([]string{mb.Email, mb.Password, mb.MailType}, exportSep))
		}
		b.WriteByte('\n')
	}
	w.Header().Set("Content-Disposition", `attachment; filename="mailboxes.txt"`)
	httputil.Text(w, http.StatusOK, b.String())
}

type importFailure struct {
	Line   int    `json:"line"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

// ImportMailboxes ingests the export format. Four fields make an outlook
// mailbox, three make an IMAP one with the type in the last field. Bad
// lines are reported individually and do not abort the rest.
func (h *Handlers) ImportMailboxes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID := claims(r).UserID
	var imported int
	var failures []importFailure

	for i, line := range strings.Split(req.Data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		num := i + 1
		parts := strings.Split(line, exportSep)

		mb := &store.Mailbox{UserID: userID, UseSSL: true, RealtimeEnabled: true}
		switch len(parts) {
		case 4:
			mb.Email, mb.Password, mb.ClientID, mb.RefreshToken = parts[0], parts[1], parts[2], parts[3]
			mb.MailType = store.TypeOutlook
		case 3:
			mb.Email, mb.Password, mb.MailType = parts[0], parts[1], strings.ToLower(parts[2])
			if mb.MailType != store.TypeGmail && mb.MailType != store.TypeQQ && mb.MailType != store.TypeIMAP {
				failures = append(failures, importFailure{Line: num, Email: mb.Email,
					Reason: fmt.Sprintf("unknown mail type %q", parts[2])})
				continue
			}
		default:
			failures = append(failures, importFailure{Line: num, Reason: "expected 3 or 4 fields"})
			continue
		}
		if !strings.Contains(mb.Email, "@") {
			failures = append(failures, importFailure{Line: num, Email: mb.Email, Reason: "invalid email address"})
			continue
		}

		_, err := h.store.AddMailbox(ctx, mb)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			failures = append(failures, importFailure{Line: num, Email: mb.Email, Reason: "already exists"})
		case err != nil:
			failures = append(failures, importFailure{Line: num, Email: mb.Email, Reason: err.Error()})
		default:
			imported++
		}
	}

	httputil.OK(w, map[string]any{
		"imported": imported,
		"failed":   len(failures),
		"failures": failures,
	})
}
