// Package session wires the client together: config, local database,
// backend API, query lifecycle client, conversation store and test runner.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/TobiSchelling/FinSight/internal/backend"
	"github.com/TobiSchelling/FinSight/internal/config"
	"github.com/TobiSchelling/FinSight/internal/conversation"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/query"
	"github.com/TobiSchelling/FinSight/internal/testrunner"
)

// ErrNoUserName is returned when an operation needs a display name and none
// is configured.
var ErrNoUserName = errors.New("no display name set; run 'finsight name <your name>'")

// Session holds the long-lived components of one client process.
type Session struct {
	cfg     *config.Config
	db      *database.DB
	api     *backend.Client
	queries *query.Client
	store   *conversation.Store
	runner  *testrunner.Runner
	logger  *log.Logger

	userName string
}

// Open creates the data directory, opens the database and builds every
// component from cfg. A nil logger means log.Default().
func Open(cfg *config.Config, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	userName, err := resolveUserName(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	api := backend.New(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		FallbackURL:   cfg.Backend.FallbackURL,
		TestStatusURL: cfg.StatusURL(),
		Timeout:       cfg.Backend.RequestTimeout,
		Logger:        logger,
	})

	queries := query.NewClient(api, query.Config{
		Mode:             query.Mode(cfg.Query.Mode),
		PollInterval:     cfg.Query.PollInterval,
		Timeout:          cfg.Query.Timeout,
		RecoveryInterval: cfg.Query.RecoveryInterval,
		UserName:         userName,
		Logger:           logger,
	})

	local := conversation.NewLocalHistory(db)
	var history conversation.History = local
	if userName != "" {
		history = &conversation.FallbackHistory{
			Primary:   conversation.NewRemoteHistory(api, userName),
			Secondary: local,
			Logger:    logger,
		}
	}
	store := conversation.NewStore(conversation.Options{
		PageSize: cfg.Conversation.PageSize,
		History:  history,
		Sink:     local,
		Resumer:  queries,
		Logger:   logger,
	})
	queries.Subscribe(store)

	runner := testrunner.New(db, api, testrunner.Config{
		PollInterval: cfg.Testing.PollInterval,
		Timeout:      cfg.Testing.Timeout,
		Delay:        cfg.Testing.Delay,
		HistoryLimit: cfg.Testing.HistoryLimit,
		UserName:     userName,
		Logger:       logger,
	})

	return &Session{
		cfg:      cfg,
		db:       db,
		api:      api,
		queries:  queries,
		store:    store,
		runner:   runner,
		logger:   logger,
		userName: userName,
	}, nil
}

// OpenDB opens the local database in the configured data directory.
func OpenDB(cfg *config.Config) (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, database.FileName))
}

// resolveUserName prefers the configured name over the stored one.
func resolveUserName(cfg *config.Config, db *database.DB) (string, error) {
	if name := strings.TrimSpace(cfg.User.Name); name != "" {
		return name, nil
	}
	name, err := db.GetSetting(database.SettingUserName)
	if err != nil {
		return "", fmt.Errorf("reading display name: %w", err)
	}
	return name, nil
}

// SetUserName stores the display name used for new queries.
func SetUserName(db *database.DB, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is empty")
	}
	return db.SetSetting(database.SettingUserName, name)
}

func (s *Session) Config() *config.Config { return s.cfg }
func (s *Session) DB() *database.DB { return s.db }
func (s *Session) Backend() *backend.Client { return s.api }
func (s *Session) Queries() *query.Client { return s.queries }
func (s *Session) Store() *conversation.Store { return s.store }
func (s *Session) Runner() *testrunner.Runner { return s.runner }
func (s *Session) Logger() *log.Logger { return s.logger }
func (s *Session) UserName() string { return s.userName }

// Submit starts a query for the session's user without waiting for it.
func (s *Session) Submit(text string, companies []string) (query.Job, error) {
	if s.userName == "" {
		return query.Job{}, ErrNoUserName
	}
	return s.queries.Submit(text, query.SubmitOptions{Companies: companies, UserName: s.userName})
}

// Ask submits a query and waits for it to finish. When ctx is cancelled the
// query is cancelled and its cancelled snapshot returned without error.
func (s *Session) Ask(ctx context.Context, text string, companies []string) (query.Job, error) {
	job, err := s.Submit(text, companies)
	if err != nil {
		return query.Job{}, err
	}
	final, err := s.queries.Wait(ctx, job.ID)
	if err == nil {
		return final, nil
	}
	if ctx.Err() == nil {
		return query.Job{}, err
	}
	if cancelled, cerr := s.queries.Cancel(); cerr == nil {
		return cancelled, nil
	}
	final, _ = s.queries.Job(job.ID)
	return final, nil
}

// Close stops running queries and timers and closes the database.
func (s *Session) Close() error {
	var errs []error
	if err := s.runner.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.queries.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
