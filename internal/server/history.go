package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVault/internal/projection"
	"PerpVault/internal/query"
)

// HistoryReader serves the projected read models.
type HistoryReader interface {
	AccountHistory(ctx context.Context, account uuid.UUID, limit int, before int64) (*query.HistoryPage, error)
	PositionHistory(ctx context.Context, positionID uuid.UUID) ([]projection.HistoryEntry, error)
	JournalHistory(ctx context.Context, account uuid.UUID, limit int, before int64) ([]query.JournalEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type historyView struct {
	Sequence     int64      `json:"sequence"`
	PositionID   uuid.UUID  `json:"position_id"`
	Account      uuid.UUID  `json:"account"`
	ProductID    uint64     `json:"product_id"`
	EventType    string     `json:"event_type"`
	IsLong       bool       `json:"is_long"`
	Price        Amount     `json:"price"`
	Margin       Amount     `json:"margin"`
	Leverage     Amount     `json:"leverage"`
	PnL          Amount     `json:"pnl"`
	Fee          Amount     `json:"fee"`
	Funding      Amount     `json:"funding"`
	Payout       Amount     `json:"payout"`
	Bounty       Amount     `json:"bounty"`
	Counterparty *uuid.UUID `json:"counterparty,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

func newHistoryViews(entries []projection.HistoryEntry) []historyView {
	out := make([]historyView, len(entries))
	for i, h := range entries {
		out[i] = historyView{
			Sequence:     h.Sequence,
			PositionID:   h.PositionID,
			Account:      h.Account,
			ProductID:    h.ProductID,
			EventType:    h.EventType,
			IsLong:       h.IsLong,
			Price:        Amount(h.Price),
			Margin:       Amount(h.Margin),
			Leverage:     Amount(h.Leverage),
			PnL:          Amount(h.PnL),
			Fee:          Amount(h.Fee),
			Funding:      Amount(h.Funding),
			Payout:       Amount(h.Payout),
			Bounty:       Amount(h.Bounty),
			Counterparty: h.Counterparty,
			Timestamp:    h.Timestamp,
		}
	}
	return out
}

func (s *HTTPServer) history() (HistoryReader, error) {
	if s.deps.History == nil {
		return nil, status.Error(codes.Unimplemented, "history is not available")
	}
	return s.deps.History, nil
}

// pageParams reads ?limit= and ?before=; zero means unset.
func pageParams(r *http.Request) (int, int64, error) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > query.MaxLimit {
			return 0, 0, status.Errorf(codes.InvalidArgument, "limit must be within 1..%d", query.MaxLimit)
		}
		limit = n
	}
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return 0, 0, status.Errorf(codes.InvalidArgument, "invalid before %q", v)
		}
		before = n
	}
	return limit, before, nil
}

func (s *HTTPServer) getAccountHistory(r *http.Request, params map[string]string) (interface{}, error) {
	h, err := s.history()
	if err != nil {
		return nil, err
	}
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	limit, before, err := pageParams(r)
	if err != nil {
		return nil, err
	}
	page, err := h.AccountHistory(r.Context(), account, limit, before)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "account history: %v", err)
	}
	resp := map[string]interface{}{
		"account":        account,
		"entries":        newHistoryViews(page.Entries),
		"as_of_sequence": page.AsOfSequence,
	}
	if page.NextBefore > 0 {
		resp["next_before"] = page.NextBefore
	}
	return resp, nil
}

func (s *HTTPServer) getPositionHistory(r *http.Request, params map[string]string) (interface{}, error) {
	h, err := s.history()
	if err != nil {
		return nil, err
	}
	id, err := pathUUID(params, "id")
	if err != nil {
		return nil, err
	}
	entries, err := h.PositionHistory(r.Context(), id)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "position history: %v", err)
	}
	return map[string]interface{}{"position_id": id, "entries": newHistoryViews(entries)}, nil
}

func (s *HTTPServer) getJournal(r *http.Request, params map[string]string) (interface{}, error) {
	h, err := s.history()
	if err != nil {
		return nil, err
	}
	account, err := pathUUID(params, "account")
	if err != nil {
		return nil, err
	}
	limit, before, err := pageParams(r)
	if err != nil {
		return nil, err
	}
	entries, err := h.JournalHistory(r.Context(), account, limit, before)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "journal history: %v", err)
	}
	if entries == nil {
		entries = []query.JournalEntry{}
	}
	return map[string]interface{}{"account": account, "entries": entries}, nil
}

func (s *HTTPServer) getIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := s.requireOwner(r.Context()); err != nil {
		return nil, err
	}
	h, err := s.history()
	if err != nil {
		return nil, err
	}
	report, err := h.VerifyIntegrity(r.Context())
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "verify integrity: %v", err)
	}
	return report, nil
}
