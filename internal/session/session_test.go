package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/FinSight/internal/config"
	"github.com/TobiSchelling/FinSight/internal/conversation"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/query"
)

type fakeAPI struct {
	polls    atomic.Int32
	done     atomic.Bool
	userName atomic.Value
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/financial/chat/", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.userName.Store(req["user_name"])
		fmt.Fprint(w, `{"query_id":"r-42"}`)
	})
	mux.HandleFunc("GET /api/financial/status/r-42/", func(w http.ResponseWriter, r *http.Request) {
		if f.done.Load() || f.polls.Add(1) >= 2 {
			fmt.Fprint(w, `{"status":"completed","markdown_response":"EPS was **12**","table":{"retrieved_data":[{"company_slug":"tcs","metric_name":"EPS"}]}}`)
			return
		}
		fmt.Fprint(w, `{"status":"processing"}`)
	})
	mux.HandleFunc("GET /api/financial/queries/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"queries":[{"query_id":"r-1","query":"old question","status":"completed","markdown_response":"old answer","created_at":"2026-01-05T10:00:00"}]}`)
	})
	return mux
}

func writeConfig(t *testing.T, baseURL, userName string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`backend:
  base_url: %s
query:
  poll_interval: 5ms
  timeout: 2s
  recovery_interval: 0s
user:
  name: %q
output:
  data_dir: %s
`, baseURL, userName, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAskFlowsIntoConversation(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	s, err := Open(writeConfig(t, srv.URL, "asha"), quiet())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store().LoadInitial(context.Background()))
	require.Len(t, s.Store().Messages(), 2)

	job, err := s.Ask(context.Background(), "EPS of TCS", []string{"tcs"})
	require.NoError(t, err)
	assert.Equal(t, query.StatusCompleted, job.Status)
	assert.Equal(t, "asha", api.userName.Load())

	msgs := s.Store().Messages()
	require.Len(t, msgs, 4)
	ai := msgs[3]
	assert.Equal(t, "EPS was **12**", ai.Content)
	assert.Equal(t, "r-42", ai.RemoteID)
	require.Len(t, ai.Table, 1)
	assert.Equal(t, "tcs", ai.Table[0].Company)

	stored, err := s.DB().GetMessage(ai.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "completed", stored.Status)
}

func TestAskCancelledByContext(t *testing.T) {
	api := &fakeAPI{}
	api.polls.Store(-1 << 20)
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	s, err := Open(writeConfig(t, srv.URL, "asha"), quiet())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	job, err := s.Ask(ctx, "EPS of TCS", nil)
	require.NoError(t, err)
	assert.Equal(t, query.StatusCancelled, job.Status)

	ai, ok := s.Store().Get(job.ID + "-ai")
	require.True(t, ok)
	assert.Equal(t, conversation.CancelledText, ai.Content)
	assert.False(t, s.Queries().Busy())
}

func TestSubmitRequiresUserName(t *testing.T) {
	s, err := Open(writeConfig(t, "http://127.0.0.1:1", ""), quiet())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Submit("EPS of TCS", nil)
	assert.ErrorIs(t, err, ErrNoUserName)
}

func TestStoredUserName(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "")
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Error(t, SetUserName(db, "  "))
	require.NoError(t, SetUserName(db, " Asha "))
	db.Close()

	s, err := Open(cfg, quiet())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "Asha", s.UserName())

	cfg.User.Name = "Override"
	name, err := resolveUserName(cfg, s.DB())
	require.NoError(t, err)
	assert.Equal(t, "Override", name)
}

func TestHistoryFallsBackToLocal(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", "asha")
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.UpsertMessage(database.Message{ID: "m1", Role: "user", Content: "kept offline", CreatedAt: now, UpdatedAt: now}))
	db.Close()

	s, err := Open(cfg, quiet())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store().LoadInitial(context.Background()))
	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept offline", msgs[0].Content)
}
