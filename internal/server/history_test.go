package server_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/projection"
	"PerpVault/internal/query"
)

type fakeHistory struct {
	entries     []projection.HistoryEntry
	journal     []query.JournalEntry
	report      query.IntegrityReport
	err         error
	gotLimit    int
	gotBefore   int64
	gotPosition uuid.UUID
}

func (f *fakeHistory) AccountHistory(_ context.Context, account uuid.UUID, limit int, before int64) (*query.HistoryPage, error) {
	f.gotLimit, f.gotBefore = limit, before
	if f.err != nil {
		return nil, f.err
	}
	return &query.HistoryPage{Account: account, Entries: f.entries, NextBefore: 7, AsOfSequence: 9}, nil
}

func (f *fakeHistory) PositionHistory(_ context.Context, id uuid.UUID) ([]projection.HistoryEntry, error) {
	f.gotPosition = id
	return f.entries, f.err
}

func (f *fakeHistory) JournalHistory(_ context.Context, _ uuid.UUID, limit int, before int64) ([]query.JournalEntry, error) {
	f.gotLimit, f.gotBefore = limit, before
	return f.journal, f.err
}

func (f *fakeHistory) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &f.report, f.err
}

func TestHTTP_History(t *testing.T) {
	h := newAPIHarness(t, nil)
	pos := uuid.New()
	h.history.entries = []projection.HistoryEntry{{
		Sequence: 8, PositionID: pos, Account: h.trader, ProductID: 1, EventType: "PositionClosed",
		IsLong: true, Price: 3100e8, Margin: 400e8, Leverage: 10e8, PnL: 130_5000_0000, Fee: 4e8,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}}

	rec := h.do(t, http.MethodGet, "/v1/accounts/"+h.trader.String()+"/history?limit=5&before=20", h.trader, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(9), body["as_of_sequence"])
	assert.Equal(t, float64(7), body["next_before"])
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "130.5", entry["pnl"])
	assert.Equal(t, "3100", entry["price"])
	assert.Equal(t, 5, h.history.gotLimit)
	assert.Equal(t, int64(20), h.history.gotBefore)

	rec = h.do(t, http.MethodGet, "/v1/positions/"+pos.String()+"/history", h.trader, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pos, h.history.gotPosition)

	rec = h.do(t, http.MethodGet, "/v1/accounts/"+h.trader.String()+"/journal", h.trader, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeBody(t, rec)["entries"])

	rec = h.do(t, http.MethodGet, "/v1/accounts/"+h.trader.String()+"/history?limit=0", h.trader, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.history.err = errors.New("connection refused")
	rec = h.do(t, http.MethodGet, "/v1/accounts/"+h.trader.String()+"/history", h.trader, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTP_IntegrityIsOwnerOnly(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.history.report = query.IntegrityReport{IsHealthy: true, LastSequence: 12, StateHashMatches: true}

	rec := h.do(t, http.MethodGet, "/v1/admin/integrity", h.trader, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/admin/integrity", h.owner, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["is_healthy"])
	assert.Equal(t, float64(12), body["last_sequence"])
}
