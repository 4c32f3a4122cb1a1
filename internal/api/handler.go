// Package api serves the admin HTTP API: health, metrics, stored audit
// records, policy inspection and reload, and on-demand archiving.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"duck-audit/internal/audit"
	"duck-audit/internal/domain"
	"duck-audit/internal/store"
)

// RecordLister reads stored audit records.
type RecordLister interface {
	List(ctx context.Context, f store.Filter) ([]store.StoredRecord, error)
}

// PolicyReloader re-reads the audit policy file and publishes it.
type PolicyReloader interface {
	Reload(ctx context.Context) error
}

// ArchiveRunner runs one archive pass.
type ArchiveRunner interface {
	Run(ctx context.Context) (int, error)
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handler implements the admin endpoints.
type Handler struct {
	records  RecordLister
	policies *audit.PolicyHolder
	reloader PolicyReloader
	archiver ArchiveRunner
	sessions func() int64
	logger   *slog.Logger
}

// NewHandler creates the admin handler. reloader, archiver and sessions may be nil.
func NewHandler(records RecordLister, policies *audit.PolicyHolder, reloader PolicyReloader,
	archiver ArchiveRunner, sessions func() int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		records:  records,
		policies: policies,
		reloader: reloader,
		archiver: archiver,
		sessions: sessions,
		logger:   logger,
	}
}

// Health is the /healthz body.
type Health struct {
	Status         string `json:"status"`
	ActiveSessions int64  `json:"active_sessions"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	body := Health{Status: "ok"}
	if h.sessions != nil {
		body.ActiveSessions = h.sessions()
	}
	writeJSON(w, http.StatusOK, body)
}

// Record is one stored audit line.
type Record struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Kind           string    `json:"kind"`
	Class          string    `json:"class"`
	StatementID    int64     `json:"statement_id"`
	SubstatementID int64     `json:"substatement_id"`
	User           string    `json:"user"`
	Database       string    `json:"database"`
	RemoteHost     string    `json:"remote_host"`
	Line           string    `json:"line"`
	LoggedAt       time.Time `json:"logged_at"`
	ArchiveKey     string    `json:"archive_key,omitempty"`
}

// RecordPage is the /v1/records body. NextAfter feeds the next request's
// "after" parameter and is 0 on the last page.
type RecordPage struct {
	Records   []Record `json:"records"`
	NextAfter int64    `json:"next_after,omitempty"`
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	recs, err := h.records.List(r.Context(), f)
	if err != nil {
		h.logger.Warn("list audit records failed", "error", err)
		writeError(w, err)
		return
	}

	page := RecordPage{Records: make([]Record, 0, len(recs))}
	for _, rec := range recs {
		page.Records = append(page.Records, recordToAPI(rec))
	}
	if len(recs) > 0 && len(recs) == f.Limit {
		page.NextAfter = recs[len(recs)-1].ID
	}
	writeJSON(w, http.StatusOK, page)
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		SessionID: q.Get("session"),
		ClassName: q.Get("class"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, domain.ErrValidation("since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return f, domain.ErrValidation("after must be a non-negative integer")
		}
		f.AfterID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, domain.ErrValidation("limit must be an integer")
		}
		f.Limit = n
	}
	switch {
	case f.Limit == 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	return f, nil
}

func recordToAPI(r store.StoredRecord) Record {
	return Record{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Kind:           r.Kind,
		Class:          r.ClassName,
		StatementID:    r.StatementID,
		SubstatementID: r.SubstatementID,
		User:           r.User,
		Database:       r.Database,
		RemoteHost:     r.RemoteHost,
		Line:           r.Line,
		LoggedAt:       r.Time,
		ArchiveKey:     r.ArchiveKey,
	}
}

// PolicySummary describes the active policy.
type PolicySummary struct {
	Sections         int    `json:"sections"`
	Role             string `json:"role,omitempty"`
	Grants           int    `json:"grants"`
	LogParameter     bool   `json:"log_parameter"`
	LogStatementOnce bool   `json:"log_statement_once"`
	LogCatalog       bool   `json:"log_catalog"`
}

func summarize(p *audit.Policy) PolicySummary {
	return PolicySummary{
		Sections:         len(p.Rules),
		Role:             p.Options.Role,
		Grants:           len(p.Grants),
		LogParameter:     p.Options.LogParameter,
		LogStatementOnce: p.Options.LogStatementOnce,
		LogCatalog:       p.Options.LogCatalog,
	}
}

func (h *Handler) getPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, summarize(h.policies.Load()))
}

func (h *Handler) reloadPolicy(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeError(w, domain.ErrNotImplemented("policy reload is not configured"))
		return
	}
	if err := h.reloader.Reload(r.Context()); err != nil {
		h.logger.Warn("policy reload failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(h.policies.Load()))
}

// ArchiveResult is the /v1/archive/run body.
type ArchiveResult struct {
	Archived int `json:"archived"`
}

func (h *Handler) runArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, domain.ErrNotImplemented("archiving is not configured"))
		return
	}
	n, err := h.archiver.Run(r.Context())
	if err != nil {
		h.logger.Warn("archive run failed", "archived", n, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveResult{Archived: n})
}
