package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/ledger"
	"calsync/internal/model"
)

// fakeServer keeps agenda-item records in memory and checks the bearer token.
type fakeServer struct {
	mu       sync.Mutex
	records  map[string]ledger.Record
	lastAuth string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sync/agenda_item/records", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		parent := r.URL.Query().Get("parent_id")
		out := make([]ledger.Record, 0)
		for _, rec := range f.records {
			if parent == "" || rec.ParentID == parent {
				out = append(out, rec)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": out})
	})
	mux.HandleFunc("POST /v1/sync/agenda_item/records", func(w http.ResponseWriter, r *http.Request) {
		var in ledger.RecordSyncInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records[in.EntityID] = ledger.Record{EntityID: in.EntityID, ParentID: in.ParentID, NativeEventID: in.NativeEventID, Status: ledger.StatusSynced}
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("DELETE /v1/sync/agenda_item/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.records[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.records, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/entities/event/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "e1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(model.Entity{Title: "GopherCon"})
	})
	mux.HandleFunc("GET /v1/sync/event/records", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	fs := &fakeServer{records: make(map[string]ledger.Record)}
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/", Token: "secret", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c, fs
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "https://example.com/api"})
	assert.NoError(t, err)
}

func TestLedger_RoundTrip(t *testing.T) {
	c, fs := newTestClient(t)
	ctx := context.Background()
	l := c.Ledger(model.KindAgendaItem)

	require.NoError(t, l.RecordSync(ctx, ledger.RecordSyncInput{EntityID: "42", ParentID: "e1", NativeEventID: "n42"}))
	require.NoError(t, l.RecordSync(ctx, ledger.RecordSyncInput{EntityID: "50", ParentID: "e2", NativeEventID: "n50"}))

	all, err := l.GetMySyncedRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "Bearer secret", fs.lastAuth)

	forParent, err := l.GetSyncedForParent(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, forParent, 1)
	assert.Equal(t, "n42", forParent[0].NativeEventID)

	require.NoError(t, l.RemoveSync(ctx, "42"))
	require.NoError(t, l.RemoveSync(ctx, "42"), "404 counts as removed")
}

func TestLedger_ServerError(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Ledger(model.KindEvent).GetMySyncedRecords(context.Background())
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, "boom", se.Body)
}

func TestGetEntity(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	e, err := c.GetEntity(ctx, model.Ref{Kind: model.KindEvent, ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "GopherCon", e.Title)
	assert.Equal(t, model.KindEvent, e.Kind)
	assert.Equal(t, "e1", e.ID)

	_, err = c.GetEntity(ctx, model.Ref{Kind: model.KindEvent, ID: "missing"})
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
}
