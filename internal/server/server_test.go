package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/FinSight/internal/config"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/session"
)

const answerTable = `{"retrieved_data":[{"company_slug":"tcs","metric_name":"EPS"}]}`

// fakeBackend answers every query immediately with a completed response,
// except queries mentioning "slow", which stay processing.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	var ids atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/financial/chat/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prefix := "r"
		if strings.Contains(string(body), "slow") {
			prefix = "slow"
		}
		fmt.Fprintf(w, `{"query_id":"%s-%d"}`, prefix, ids.Add(1))
	})
	mux.HandleFunc("GET /api/financial/status/{id}/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.PathValue("id"), "slow") {
			fmt.Fprint(w, `{"status":"processing"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"completed","markdown_response":"EPS was **12** for %s","table":%s}`, r.PathValue("id"), answerTable)
	})
	mux.HandleFunc("GET /api/financial/queries/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"queries":[]}`)
	})
	mux.HandleFunc("POST /api/financial/chat/test/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openTestSession(t *testing.T, userName string) *session.Session {
	t.Helper()
	api := fakeBackend(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`backend:
  base_url: %s
query:
  poll_interval: 5ms
  timeout: 2s
testing:
  poll_interval: 5ms
  timeout: 2s
  delay: 0s
user:
  name: %q
output:
  data_dir: %s
`, api.URL, userName, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	sess, err := session.Open(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func newTestServer(t *testing.T, sess *session.Session) *Server {
	t.Helper()
	srv, err := New(sess)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func do(srv *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatRoute(t *testing.T) {
	srv := newTestServer(t, openTestSession(t, "asha"))

	rec := do(srv, "GET", "/", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Ask a question") {
		t.Error("expected empty-conversation hint in response body")
	}
	if strings.Contains(body, "No display name set") {
		t.Error("did not expect the display name hint")
	}
}

func TestChatRouteShowsAnswer(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	job, err := sess.Ask(context.Background(), "EPS of TCS", []string{"tcs"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	rec := do(srv, "GET", "/", nil)
	body := rec.Body.String()
	if !strings.Contains(body, "EPS of TCS") {
		t.Error("expected user question in response body")
	}
	if !strings.Contains(body, "<strong>12</strong>") {
		t.Error("expected rendered markdown answer in response body")
	}
	if !strings.Contains(body, "/messages/"+job.ID+"-ai/table.csv") {
		t.Error("expected CSV link for the answer")
	}
	if strings.Contains(body, `http-equiv="refresh"`) {
		t.Error("did not expect auto refresh once the query finished")
	}
}

func TestAskNotices(t *testing.T) {
	tests := []struct {
		name     string
		userName string
		query    string
		want     string
	}{
		{"empty query", "asha", "   ", "/?notice=empty"},
		{"no display name", "", "EPS of TCS", "/?notice=noname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, openTestSession(t, tt.userName))
			rec := do(srv, "POST", "/ask", url.Values{"query": {tt.query}})
			if rec.Code != http.StatusSeeOther {
				t.Fatalf("expected 303, got %d", rec.Code)
			}
			if got := rec.Header().Get("Location"); got != tt.want {
				t.Errorf("expected redirect to %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAskRoute(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	rec := do(srv, "POST", "/ask", url.Values{"query": {"EPS of TCS"}, "companies": {"tcs, infy"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/" {
		t.Errorf("expected redirect to /, got %s", got)
	}
	msgs := sess.Store().Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "EPS of TCS" {
		t.Errorf("unexpected user message %q", msgs[0].Content)
	}
}

func TestCancelRoute(t *testing.T) {
	srv := newTestServer(t, openTestSession(t, "asha"))

	rec := do(srv, "POST", "/cancel", nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	rec = do(srv, "GET", "/?notice=cancelled", nil)
	if !strings.Contains(rec.Body.String(), "Request cancelled.") {
		t.Error("expected cancel notice in response body")
	}
}

func TestFeedbackRoute(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)
	job, err := sess.Ask(context.Background(), "EPS of TCS", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	id := job.ID + "-ai"

	if rec := do(srv, "POST", "/messages/"+id+"/feedback/sideways", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid vote, got %d", rec.Code)
	}
	if rec := do(srv, "POST", "/messages/nope/feedback/up", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", rec.Code)
	}
	if rec := do(srv, "POST", "/messages/"+id+"/feedback/up", nil); rec.Code != http.StatusSeeOther {
		t.Errorf("expected 303, got %d", rec.Code)
	}

	m, _ := sess.Store().Get(id)
	if m.Feedback != "up" {
		t.Errorf("expected feedback up, got %q", m.Feedback)
	}
	stored, err := sess.DB().GetMessage(id)
	if err != nil || stored == nil {
		t.Fatalf("expected stored message, got %v, %v", stored, err)
	}
	if stored.Feedback != "up" {
		t.Errorf("expected stored feedback up, got %q", stored.Feedback)
	}
}

func TestMessageDownloads(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)
	job, err := sess.Ask(context.Background(), "EPS of TCS", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	id := job.ID + "-ai"

	rec := do(srv, "GET", "/messages/"+id+"/table.csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for csv, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Metric,") {
		t.Errorf("expected csv header, got %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "financial_table_") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	rec = do(srv, "GET", "/messages/"+id+"/report.pdf", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for pdf, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF-") {
		t.Error("expected a PDF document")
	}

	rec = do(srv, "GET", "/messages/"+id+"/copy", nil)
	if !strings.Contains(rec.Body.String(), "EPS was 12") {
		t.Errorf("expected plain text answer, got %q", rec.Body.String())
	}

	if rec := do(srv, "GET", "/messages/"+job.ID+"-user/table.csv", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for message without table, got %d", rec.Code)
	}
	if rec := do(srv, "GET", "/messages/nope/report.pdf", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", rec.Code)
	}
}

func TestTestsRoutes(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	rec := do(srv, "POST", "/tests", url.Values{
		"query":    {"EPS of TCS"},
		"expected": {"eps was"},
		"tags":     {"eps, smoke"},
		"priority": {"high"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if rec := do(srv, "POST", "/tests", url.Values{"query": {" "}}); rec.Header().Get("Location") != "/tests?notice=invalid" {
		t.Errorf("expected invalid notice for empty query, got %q", rec.Header().Get("Location"))
	}

	rec = do(srv, "GET", "/tests", nil)
	if !strings.Contains(rec.Body.String(), "EPS of TCS") {
		t.Error("expected test case in response body")
	}

	if rec := do(srv, "POST", "/tests/run", nil); rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := sess.Runner().History("all", 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(entries) == 1 && !sess.Runner().Running() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("test run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries, _ := sess.Runner().History("all", 0)
	entry := entries[0]
	if entry.Status != "completed" || entry.Verdict != "pass" {
		t.Errorf("expected completed pass, got %s %s", entry.Status, entry.Verdict)
	}

	rec = do(srv, "POST", fmt.Sprintf("/tests/history/%d/mark", entry.ID), url.Values{"verdict": {"fail"}})
	if got := rec.Header().Get("Location"); got != "/tests?notice=invalid" {
		t.Errorf("expected fail without issues to be rejected, got %s", got)
	}
	rec = do(srv, "POST", fmt.Sprintf("/tests/history/%d/mark", entry.ID), url.Values{"verdict": {"fail"}, "issues": {"wrong quarter"}})
	if got := rec.Header().Get("Location"); got != "/tests?notice=marked" {
		t.Errorf("expected marked notice, got %s", got)
	}
	if rec := do(srv, "POST", "/tests/history/999/mark", url.Values{"verdict": {"pass"}}); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown entry, got %d", rec.Code)
	}

	rec = do(srv, "GET", "/tests/results.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"testStatus": "fail"`) {
		t.Errorf("expected marked verdict in export, got %s", body)
	}
	if !strings.Contains(body, `"tags": "eps, smoke"`) {
		t.Errorf("expected joined tags in export, got %s", body)
	}

	if rec := do(srv, "GET", "/tests?period=decade", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown period, got %d", rec.Code)
	}
}

func TestDeleteTestRoute(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	do(srv, "POST", "/tests", url.Values{"query": {"EPS of TCS"}})
	cases, _ := sess.DB().ListTestCases()
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	do(srv, "POST", fmt.Sprintf("/tests/%d/delete", cases[0].ID), nil)
	cases, _ = sess.DB().ListTestCases()
	if len(cases) != 0 {
		t.Errorf("expected case to be deleted, got %d", len(cases))
	}
}

func TestStaticRoute(t *testing.T) {
	srv := newTestServer(t, openTestSession(t, "asha"))

	rec := do(srv, "GET", "/static/style.css", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "font-sans") {
		t.Error("expected stylesheet content")
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, openTestSession(t, "asha"))

	rec := do(srv, "GET", "/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// waitForHistory polls until the history holds n entries and no run is active.
func waitForHistory(t *testing.T, sess *session.Session, n int) []database.TestHistoryEntry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := sess.Runner().History("all", 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(entries) == n && !sess.Runner().Running() {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d history entries, have %d", n, len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResultsPDFRoute(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	do(srv, "POST", "/tests", url.Values{"query": {"EPS of TCS"}, "expected": {"eps was"}})
	do(srv, "POST", "/tests/run", nil)
	waitForHistory(t, sess, 1)

	rec := do(srv, "GET", "/tests/results.pdf?period=week", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "test_results_") || !strings.HasSuffix(cd, `.pdf"`) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF-") {
		t.Error("expected a PDF body")
	}

	if rec := do(srv, "GET", "/tests/results.pdf?period=decade", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown period, got %d", rec.Code)
	}
	if rec := do(srv, "GET", "/tests", nil); !strings.Contains(rec.Body.String(), "/tests/results.pdf?period=all") {
		t.Error("expected PDF export link on the tests page")
	}
}

func TestTestsFilterAndRunFiltered(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	do(srv, "POST", "/tests", url.Values{"query": {"EPS of TCS"}, "tags": {"smoke"}, "priority": {"high"}})
	do(srv, "POST", "/tests", url.Values{"query": {"ROE of INFY"}, "tags": {"banking"}, "priority": {"low"}})
	do(srv, "POST", "/tests", url.Values{"query": {"PE of HDFC"}, "tags": {"banking"}, "priority": {"high"}})

	body := do(srv, "GET", "/tests?search=bank&priority=high", nil).Body.String()
	if !strings.Contains(body, "PE of HDFC") {
		t.Error("expected matching case in filtered list")
	}
	if strings.Contains(body, "EPS of TCS") || strings.Contains(body, "ROE of INFY") {
		t.Error("expected non-matching cases to be hidden")
	}
	if !strings.Contains(body, "Showing 1 of 3") {
		t.Error("expected filtered count")
	}

	rec := do(srv, "POST", "/tests/run", url.Values{"search": {"nothing like this"}})
	if got := rec.Header().Get("Location"); got != "/tests?notice=nothing" {
		t.Errorf("expected nothing notice, got %s", got)
	}

	do(srv, "POST", "/tests/run", url.Values{"search": {"BANK"}})
	entries := waitForHistory(t, sess, 2)
	for _, e := range entries {
		if e.Query == "EPS of TCS" {
			t.Error("expected only the filtered cases to run")
		}
	}
}

func TestRerunRoute(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	do(srv, "POST", "/tests", url.Values{"query": {"EPS of TCS"}, "expected": {"eps was"}, "priority": {"high"}})
	do(srv, "POST", "/tests/run", nil)
	entries := waitForHistory(t, sess, 1)

	rec := do(srv, "POST", fmt.Sprintf("/tests/history/%d/rerun", entries[0].ID), nil)
	if got := rec.Header().Get("Location"); got != "/tests?notice=rerun" {
		t.Fatalf("expected rerun notice, got %s", got)
	}
	waitForHistory(t, sess, 2)

	cases, err := sess.DB().ListTestCases()
	if err != nil {
		t.Fatalf("listing cases: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected the rerun to add a case, have %d", len(cases))
	}
	if cases[1].Expected != "eps was" || cases[1].Priority != "high" || cases[1].Status != "completed" {
		t.Errorf("unexpected rerun case %+v", cases[1])
	}

	if rec := do(srv, "POST", "/tests/history/999/rerun", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown entry, got %d", rec.Code)
	}
}

func TestRefusedRunKeepsLastRunError(t *testing.T) {
	sess := openTestSession(t, "asha")
	srv := newTestServer(t, sess)

	id, err := sess.DB().InsertTestCase(database.TestCase{Query: "slow EPS of TCS"})
	if err != nil {
		t.Fatalf("inserting case: %v", err)
	}
	tc, err := sess.DB().GetTestCase(id)
	if err != nil || tc == nil {
		t.Fatalf("loading case: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Runner().Run(ctx, []database.TestCase{*tc})
	}()
	defer func() {
		cancel()
		<-done
	}()
	deadline := time.Now().Add(3 * time.Second)
	for !sess.Runner().Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := do(srv, "POST", "/tests/run", nil).Header().Get("Location"); got != "/tests?notice=running" {
		t.Errorf("expected running notice, got %s", got)
	}

	// A run that slipped past the Running check is refused by the runner.
	srv.startRun([]database.TestCase{*tc})
	srv.runs.Wait()

	srv.runMu.Lock()
	runErr := srv.runErr
	srv.runMu.Unlock()
	if runErr != nil {
		t.Errorf("expected refused run to leave the last error alone, got %v", runErr)
	}
}
