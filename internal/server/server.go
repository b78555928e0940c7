package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/TobiSchelling/FinSight/internal/conversation"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/export"
	"github.com/TobiSchelling/FinSight/internal/markdown"
	"github.com/TobiSchelling/FinSight/internal/normalize"
	"github.com/TobiSchelling/FinSight/internal/query"
	"github.com/TobiSchelling/FinSight/internal/session"
	"github.com/TobiSchelling/FinSight/internal/testrunner"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Notices shown on the chat page after a redirect.
var notices = map[string]string{
	"blocked":   "A query is already running. Wait for it to finish or cancel it.",
	"empty":     "Type a question first.",
	"noname":    "Set a display name first: finsight name <your name>",
	"error":     "The query could not be sent to the backend.",
	"cancelled": "Request cancelled.",
	"running":   "A test run is already in progress.",
	"invalid":   "That input was not valid.",
	"marked":    "Verdict saved.",
	"unsent":    "Verdict saved locally but could not be submitted.",
	"nothing":   "No test queries match the filter.",
	"rerun":     "History entry copied into a new test and started.",
}

// Server is the local web UI for chatting with the backend and running
// test queries.
type Server struct {
	sess   *session.Session
	pages  map[string]*template.Template
	router chi.Router
	logger *log.Logger

	ctx    context.Context
	stop   context.CancelFunc
	runs   sync.WaitGroup
	runErr error
	runMu  sync.Mutex
}

// New creates a new Server.
func New(sess *session.Session) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":     markdown.ToHTML,
		"formatPeriod": database.FormatPeriodDisplay,
		"duration":     export.FormatDuration,
		"pending": func(m conversation.Message) bool {
			return !m.Final()
		},
		"join":          strings.Join,
		"displayMetric": normalize.DisplayMetric,
		"list": func(items ...string) []string {
			return items
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of the base so "content" and "title" can
	// be defined per page.
	pageNames := []string{"chat.html", "tests.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		sess:   sess,
		pages:  pages,
		router: chi.NewRouter(),
		logger: sess.Logger(),
		ctx:    ctx,
		stop:   stop,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background test runs.
func (s *Server) Close() {
	s.stop()
	s.runs.Wait()
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.Recoverer)

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/", s.handleChat)
	r.Post("/ask", s.handleAsk)
	r.Post("/cancel", s.handleCancel)
	r.Post("/older", s.handleOlder)
	r.Route("/messages/{id}", func(r chi.Router) {
		r.Post("/feedback/{vote}", s.handleFeedback)
		r.Get("/table.csv", s.handleCSV)
		r.Get("/report.pdf", s.handlePDF)
		r.Get("/copy", s.handleCopy)
	})
	r.Get("/tests", s.handleTests)
	r.Post("/tests", s.handleAddTest)
	r.Post("/tests/run", s.handleRunTests)
	r.Post("/tests/{id}/delete", s.handleDeleteTest)
	r.Post("/tests/history/{id}/mark", s.handleMark)
	r.Post("/tests/history/{id}/rerun", s.handleRerun)
	r.Get("/tests/results.json", s.handleResultsJSON)
	r.Get("/tests/results.pdf", s.handleResultsPDF)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	store := s.sess.Store()
	active, busy := s.sess.Queries().Active()
	s.render(w, "chat.html", map[string]any{
		"Messages": store.Visible(),
		"HasMore":  store.HasMore(),
		"Busy":     busy,
		"Active":   active,
		"UserName": s.sess.UserName(),
		"Notice":   notices[r.URL.Query().Get("notice")],
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.FormValue("query"))
	var companies []string
	for _, c := range strings.Split(r.FormValue("companies"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			companies = append(companies, c)
		}
	}

	_, err := s.sess.Submit(text, companies)
	switch {
	case err == nil:
		redirect(w, r, "/", "")
	case errors.Is(err, query.ErrBlocked):
		redirect(w, r, "/", "blocked")
	case errors.Is(err, query.ErrEmptyQuery):
		redirect(w, r, "/", "empty")
	case errors.Is(err, session.ErrNoUserName):
		redirect(w, r, "/", "noname")
	default:
		s.logger.Printf("server: submitting query: %v", err)
		redirect(w, r, "/", "error")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sess.Queries().Cancel(); err != nil && !errors.Is(err, query.ErrNoActiveQuery) {
		s.logger.Printf("server: cancel: %v", err)
	}
	redirect(w, r, "/", "cancelled")
}

func (s *Server) handleOlder(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sess.Store().LoadOlder(r.Context()); err != nil {
		s.logger.Printf("server: loading older messages: %v", err)
	}
	redirect(w, r, "/", "")
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := conversation.ParseFeedback(chi.URLParam(r, "vote"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, err = s.sess.Store().SetFeedback(r.Context(), chi.URLParam(r, "id"), fb)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Printf("server: feedback: %v", err)
	}
	redirect(w, r, "/", "")
}

// message looks up the message named in the URL, answering 404 itself when
// it does not exist or carries no table and needTable is set.
func (s *Server) message(w http.ResponseWriter, r *http.Request, needTable bool) (conversation.Message, bool) {
	m, ok := s.sess.Store().Get(chi.URLParam(r, "id"))
	if !ok || (needTable && !m.HasTable()) {
		http.NotFound(w, r)
		return conversation.Message{}, false
	}
	return m, true
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	m, ok := s.message(w, r, true)
	if !ok {
		return
	}
	body, err := export.CSV(m.Table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	attachment(w, "text/csv; charset=utf-8", "financial_table", "csv")
	fmt.Fprint(w, body)
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	m, ok := s.message(w, r, false)
	if !ok {
		return
	}
	if m.Role != conversation.RoleAssistant || !m.Final() {
		http.NotFound(w, r)
		return
	}
	doc, err := export.PDF(m.Table, export.Metadata{
		Query:       m.Query,
		Summary:     m.Content,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		s.logger.Printf("server: rendering pdf: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	attachment(w, "application/pdf", "Financial_Analysis_Report", "pdf")
	w.Write(doc.Bytes)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	m, ok := s.message(w, r, false)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, m.CopyText())
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = database.PeriodAll
	}
	runner := s.sess.Runner()

	all, err := s.sess.DB().ListTestCases()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	filter := filterFrom(r)
	history, err := runner.History(period, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, _ := runner.Stats(period)

	s.runMu.Lock()
	runErr := s.runErr
	s.runMu.Unlock()

	s.render(w, "tests.html", map[string]any{
		"Cases":   testrunner.FilterCases(all, filter),
		"Total":   len(all),
		"Filter":  filter,
		"History": history,
		"Stats":   stats,
		"Period":  period,
		"Now":     time.Now(),
		"Running": runner.Running(),
		"RunErr":  runErr,
		"Notice":  notices[r.URL.Query().Get("notice")],
	})
}

func (s *Server) handleAddTest(w http.ResponseWriter, r *http.Request) {
	var tags []string
	for _, t := range strings.Split(r.FormValue("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	_, err := s.sess.DB().InsertTestCase(database.TestCase{
		Query:    strings.TrimSpace(r.FormValue("query")),
		Expected: strings.TrimSpace(r.FormValue("expected")),
		Tags:     tags,
		Priority: r.FormValue("priority"),
	})
	if err != nil {
		redirect(w, r, "/tests", "invalid")
		return
	}
	redirect(w, r, "/tests", "")
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		redirect(w, r, "/tests", "invalid")
		return
	}
	if err := s.sess.DB().DeleteTestCase(id); err != nil {
		s.logger.Printf("server: deleting test %d: %v", id, err)
	}
	redirect(w, r, "/tests", "")
}

// handleRunTests starts a background run of the stored cases matching the
// submitted filter.
func (s *Server) handleRunTests(w http.ResponseWriter, r *http.Request) {
	if s.sess.Runner().Running() {
		redirect(w, r, "/tests", "running")
		return
	}
	all, err := s.sess.DB().ListTestCases()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	cases := testrunner.FilterCases(all, filterFrom(r))
	if len(cases) == 0 {
		redirect(w, r, "/tests", "nothing")
		return
	}
	s.startRun(cases)
	redirect(w, r, "/tests", "")
}

// handleRerun copies a history entry into a new test case and runs it.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		redirect(w, r, "/tests", "invalid")
		return
	}
	tc, err := s.sess.Runner().Rerun(id)
	switch {
	case errors.Is(err, testrunner.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Printf("server: rerunning history %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if s.sess.Runner().Running() {
		redirect(w, r, "/tests", "running")
		return
	}
	s.startRun([]database.TestCase{*tc})
	redirect(w, r, "/tests", "rerun")
}

// startRun runs cases in the background. The outcome of the last run that
// actually executed is kept for the tests page; a run refused because
// another one holds the runner leaves it untouched.
func (s *Server) startRun(cases []database.TestCase) {
	runner := s.sess.Runner()
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := runner.Run(s.ctx, cases)
		if errors.Is(err, testrunner.ErrRunning) {
			s.logger.Printf("server: test run skipped: %v", err)
			return
		}
		if err == nil {
			for _, step := range res.Steps {
				if step.Err != nil {
					err = step.Err
				}
			}
		}
		s.runMu.Lock()
		s.runErr = err
		s.runMu.Unlock()
	}()
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		redirect(w, r, "/tests", "invalid")
		return
	}
	err = s.sess.Runner().Mark(r.Context(), id, r.FormValue("verdict"), r.FormValue("issues"))
	switch {
	case err == nil:
		redirect(w, r, "/tests", "marked")
	case errors.Is(err, testrunner.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, testrunner.ErrInvalidVerdict):
		redirect(w, r, "/tests", "invalid")
	default:
		s.logger.Printf("server: marking test %d: %v", id, err)
		redirect(w, r, "/tests", "unsent")
	}
}

func (s *Server) handleResultsJSON(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	entries, err := s.sess.Runner().History(period, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	attachment(w, "application/json", "test_results", "json")
	if err := export.ResultsJSON(w, testrunner.Records(entries)); err != nil {
		s.logger.Printf("server: writing results: %v", err)
	}
}

func (s *Server) handleResultsPDF(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = database.PeriodAll
	}
	entries, err := s.sess.Runner().History(period, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	doc, err := export.ResultsPDF(testrunner.Records(entries), export.Metadata{
		Title:       "FinSight Test Results",
		Summary:     "Period: " + database.FormatPeriodDisplay(period, now),
		GeneratedAt: now,
	})
	if err != nil {
		s.logger.Printf("server: rendering results pdf: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	attachment(w, "application/pdf", "test_results", "pdf")
	w.Write(doc.Bytes)
}

// filterFrom reads the test list filter from the query string or form.
func filterFrom(r *http.Request) testrunner.Filter {
	return testrunner.Filter{
		Search:     strings.TrimSpace(r.FormValue("search")),
		Status:     r.FormValue("status"),
		Priority:   r.FormValue("priority"),
		FailedOnly: r.FormValue("failed") != "",
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Printf("Error rendering template %s: %v", name, err)
	}
}

func redirect(w http.ResponseWriter, r *http.Request, path, notice string) {
	if notice != "" {
		path += "?notice=" + url.QueryEscape(notice)
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}

func attachment(w http.ResponseWriter, contentType, name, ext string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s_%d.%s"`, name, time.Now().Unix(), ext))
}

// Serve starts the HTTP server on the given port and shuts it down when ctx
// is cancelled.
func Serve(ctx context.Context, sess *session.Session, port int) error {
	srv, err := New(sess)
	if err != nil {
		return err
	}
	defer srv.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Printf("Server listening on http://%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
