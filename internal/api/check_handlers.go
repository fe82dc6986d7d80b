package api

import (
	"errors"
	"net/http"

	"github.com/ignite/mailhub/internal/checker"
	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/store"
)

// CheckMailbox runs a synchronous fetch for one mailbox. A check already
// in flight yields 409; hitting the per-check deadline yields 408.
func (h *Handlers) CheckMailbox(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	owner := scopeID(claims(r))
	if _, err := h.store.GetMailbox(r.Context(), id, owner); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "mailbox not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	res, err := h.checker.CheckOne(r.Context(), id, owner, nil)
	switch {
	case errors.Is(err, checker.ErrAlreadyProcessing):
		httputil.Conflict(w, "check already in progress")
		return
	case errors.Is(err, checker.ErrCheckTimeout):
		httputil.Error(w, http.StatusRequestTimeout, "check timed out")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

// BatchCheck submits a set of mailboxes to the worker pool and returns
// immediately with what was accepted and what was already running.
func (h *Handlers) BatchCheck(w http.ResponseWriter, r *http.Request) {
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
	submitted, skipped := h.checker.CheckMany(r.Context(), req.IDs, scopeID(claims(r)))
	httputil.OK(w, map[string]any{
		"submitted": submitted,
		"skipped":   skipped,
	})
}

// BatchCheckUnchecked submits every mailbox that has never been checked.
func (h *Handlers) BatchCheckUnchecked(w http.ResponseWriter, r *http.Request) {
	owner := scopeID(claims(r))
	boxes, err := h.store.ListMailboxes(r.Context(), owner)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	var ids []int64
	for _, b := range boxes {
		if b.LastCheckTime == nil {
			ids = append(ids, b.ID)
		}
	}
	if len(ids) == 0 {
		httputil.OK(w, map[string]any{"submitted": []int64{}, "skipped": []int64{}})
		return
	}
	submitted, skipped := h.checker.CheckMany(r.Context(), ids, owner)
	httputil.OK(w, map[string]any{
		"submitted": submitted,
		"skipped":   skipped,
	})
}

// StopCheck asks an in-flight check to stop at its next folder boundary.
func (h *Handlers) StopCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	if _, err := h.store.GetMailbox(r.Context(), id, scopeID(claims(r))); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "mailbox not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	h.checker.Stop(id)
	httputil.OK(w, map[string]string{"status": "stopping"})
}

// CheckStatus reports whether a check is running for the mailbox.
func (h *Handlers) CheckStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "emailID")
	if !ok {
		return
	}
	httputil.OK(w, map[string]bool{
		"processing": h.checker.IsProcessing(r.Context(), id),
	})
}
