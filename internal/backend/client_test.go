package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, base, fallback string) *Client {
	t.Helper()
	return New(Config{
		BaseURL:     base,
		FallbackURL: fallback,
		Timeout:     2 * time.Second,
		Logger:      log.New(io.Discard, "", 0),
	})
}

func TestSubmitQuery(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/financial/chat/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"query_id": 42}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	id, err := c.SubmitQuery(context.Background(), ChatRequest{Query: "EPS of TCS", UserName: "asha", Companies: []string{"tcs"}})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, "EPS of TCS", got.Query)
	assert.Equal(t, "asha", got.UserName)
	assert.Equal(t, []string{"tcs"}, got.Companies)
}

func TestSubmitQueryMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "").SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.Error(t, err)
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/financial/status/abc-1/", r.URL.Path)
		w.Write([]byte(`{"status":"completed","markdown_response":"# Done","table":{"retrieved_data":[]}}`))
	}))
	defer srv.Close()

	st, err := newTestClient(t, srv.URL, "").QueryStatus(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, "# Done", st.MarkdownResponse)
	assert.JSONEq(t, `{"retrieved_data":[]}`, string(st.Table))
}

func TestQueryStatusNotFound(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"404": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"Query not found"}`, http.StatusNotFound)
		},
		"body": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"Query not found"}`))
		},
		"400 body": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"Query not found"}`, http.StatusBadRequest)
		},
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, "").QueryStatus(context.Background(), "x")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFallbackOnServerError(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"query_id":"s-1"}`))
	}))
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)
	id, err := c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	assert.Equal(t, secondary.URL, c.Active())

	// the switched endpoint is preferred afterwards
	_, err = c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primaryHits.Load())
}

func TestFallbackFlipsBack(t *testing.T) {
	endpoint := func(name string, down *atomic.Bool) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if down.Load() {
				http.Error(w, "unavailable", http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"query_id":"` + name + `"}`))
		}))
	}
	var primaryDown, secondaryDown atomic.Bool
	primary := endpoint("p", &primaryDown)
	defer primary.Close()
	secondary := endpoint("s", &secondaryDown)
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)
	id, err := c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "p", id)
	assert.Equal(t, primary.URL, c.Active())

	primaryDown.Store(true)
	id, err = c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "s", id)
	assert.Equal(t, secondary.URL, c.Active())

	primaryDown.Store(false)
	secondaryDown.Store(true)
	id, err = c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "p", id)
	assert.Equal(t, primary.URL, c.Active())
}

func TestFallbackOnNetworkError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","companies":[{"slug":"tcs","name":"Tata Consultancy"}]}`))
	}))
	defer secondary.Close()

	c := newTestClient(t, deadURL, secondary.URL)
	companies, err := c.SearchCompanies(context.Background())
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "Tata Consultancy", companies[0].Label())
}

func TestNoFallbackOnClientError(t *testing.T) {
	var secondaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad query"}`, http.StatusBadRequest)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits.Add(1)
	}))
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)
	_, err := c.SubmitQuery(context.Background(), ChatRequest{Query: "q"})

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Equal(t, "bad query", te.Body)
	assert.False(t, te.Retryable())
	assert.Equal(t, int32(0), secondaryHits.Load())
	assert.Equal(t, primary.URL, c.Active())
}

func TestBothEndpointsFail(t *testing.T) {
	down := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("<html>maintenance</html>"))
	})
	primary := httptest.NewServer(down)
	defer primary.Close()
	secondary := httptest.NewServer(down)
	defer secondary.Close()

	_, err := newTestClient(t, primary.URL, secondary.URL).Queries(context.Background(), "asha")

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, "server returned an HTML error page", te.Body)
}

func TestStreamQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Query-ID", "stream-7")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Revenue ", "grew ", "12%."} {
			w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	stream, err := newTestClient(t, srv.URL, "").StreamQuery(context.Background(), ChatRequest{Query: "q"})
	require.NoError(t, err)
	defer stream.Body.Close()

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "stream-7", stream.QueryID)
	assert.Equal(t, "Revenue grew 12%.", string(body))
}

func TestQueriesDecodesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/financial/queries/", r.URL.Path)
		assert.Equal(t, "asha k", r.URL.Query().Get("user_name"))
		w.Write([]byte(`{"queries":[
			{"query_id":"q1","query":"ROE of HDFC","status":"completed","markdown_response":"ok","created_at":"2024-05-01T10:00:00.123456","updated_at":"2024-05-01T10:00:09Z"},
			{"query_id":7,"query":"EPS","status":"processing","created_at":null}
		]}`))
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv.URL, "").Queries(context.Background(), "asha k")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ID("q1"), records[0].QueryID)
	assert.Equal(t, 2024, records[0].CreatedAt.Year())
	assert.Equal(t, ID("7"), records[1].QueryID)
	assert.True(t, records[1].CreatedAt.IsZero())
}

func TestSubmitTestStatus(t *testing.T) {
	var got TestStatusRequest
	statusSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/financial/chat/test/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer statusSrv.Close()

	c := New(Config{BaseURL: "http://127.0.0.1:1", TestStatusURL: statusSrv.URL, Logger: log.New(io.Discard, "", 0)})
	err := c.SubmitTestStatus(context.Background(), TestStatusRequest{
		Query: "q", UserName: "asha", ActualResponse: "a", ExpectedResponse: "e", Status: "fail", Issues: "wrong year",
	})
	require.NoError(t, err)
	assert.Equal(t, "fail", got.Status)
	assert.Equal(t, "wrong year", got.Issues)

	err = c.SubmitTestStatus(context.Background(), TestStatusRequest{Status: "maybe"})
	require.Error(t, err)
}

func TestTestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"history":[{"id":3,"query":"q","query_status":"pass","created_at":"2024-05-01T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv.URL, "").TestHistory(context.Background(), "asha")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ID("3"), records[0].ID)
	assert.Equal(t, "pass", records[0].QueryStatus)
}

func TestCancelledContextIsNotTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newTestClient(t, srv.URL, "").QueryStatus(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)

	var te *TransportError
	assert.False(t, errors.As(err, &te))
}
