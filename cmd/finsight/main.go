package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/FinSight/internal/config"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/export"
	"github.com/TobiSchelling/FinSight/internal/query"
	"github.com/TobiSchelling/FinSight/internal/server"
	"github.com/TobiSchelling/FinSight/internal/session"
	"github.com/TobiSchelling/FinSight/internal/terminal"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "finsight",
	Short:   "Ask financial questions about listed companies",
	Long:    "FinSight sends natural-language financial questions to the analysis backend and renders the answers, tables and reports.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch strings.ToUpper(cfg.Logging.Level) {
		case "DEBUG":
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		case "WARN", "ERROR", "OFF":
			if !verbose {
				log.SetOutput(io.Discard)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(nameCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(companiesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(testCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("finsight", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/finsight/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to point at your backend, then set a display name with: finsight name <your name>")
		return nil
	},
}

// --- name command ---

var nameCmd = &cobra.Command{
	Use:   "name [display-name]",
	Short: "Show or set the display name sent with queries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			if sess.UserName() == "" {
				fmt.Println("No display name set. Set one with: finsight name <your name>")
				return nil
			}
			fmt.Println(sess.UserName())
			return nil
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := session.SetUserName(db, args[0]); err != nil {
			return err
		}
		fmt.Printf("Display name set: %s\n", strings.TrimSpace(args[0]))
		if cfg.User.Name != "" {
			fmt.Println(terminal.Muted("Note: user.name in config.yaml takes precedence."))
		}
		return nil
	},
}

// --- ask command ---

var (
	askStream    bool
	askCompanies []string
	askCSV       string
	askPDF       string
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Ask a financial question and wait for the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if askStream {
			cfg.Query.Mode = string(query.ModeStream)
		}
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var (
			mu   sync.Mutex
			last query.Status
		)
		sess.Queries().Subscribe(query.ObserverFunc(func(job query.Job) {
			mu.Lock()
			defer mu.Unlock()
			if job.Status == last || job.Status.Terminal() {
				return
			}
			last = job.Status
			fmt.Fprintln(os.Stderr, terminal.Muted(terminal.Progress(job)))
		}))

		text := strings.Join(args, " ")
		job, err := sess.Ask(ctx, text, askCompanies)
		if err != nil {
			return err
		}

		msg, ok := sess.Store().Get(job.ID + "-ai")
		if !ok {
			return fmt.Errorf("no response recorded for %s", job.ID)
		}
		fmt.Println(terminal.Message(msg))
		if job.Status != query.StatusCompleted {
			return nil
		}

		if askCSV != "" {
			body, err := export.CSV(msg.Table)
			if err != nil {
				return fmt.Errorf("exporting csv: %w", err)
			}
			if err := os.WriteFile(askCSV, []byte(body), 0o644); err != nil {
				return fmt.Errorf("writing csv: %w", err)
			}
			fmt.Printf("Table written to %s\n", askCSV)
		}
		if askPDF != "" {
			doc, err := export.PDF(msg.Table, export.Metadata{
				Query:       text,
				Summary:     msg.Content,
				GeneratedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("exporting pdf: %w", err)
			}
			if err := os.WriteFile(askPDF, doc.Bytes, 0o644); err != nil {
				return fmt.Errorf("writing pdf: %w", err)
			}
			fmt.Printf("Report written to %s (%d pages)\n", askPDF, doc.Pages)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "Stream the response instead of polling")
	askCmd.Flags().StringSliceVar(&askCompanies, "company", nil, "Company slug to focus on (repeatable)")
	askCmd.Flags().StringVar(&askCSV, "csv", "", "Write the result table as CSV to this file")
	askCmd.Flags().StringVar(&askPDF, "pdf", "", "Write a PDF report to this file")
}

// --- history command ---

var historyOlder int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx := context.Background()
		store := sess.Store()
		if err := store.LoadInitial(ctx); err != nil {
			return err
		}
		for i := 0; i < historyOlder && store.HasMore(); i++ {
			if _, err := store.LoadOlder(ctx); err != nil {
				return err
			}
		}

		msgs := store.Visible()
		if len(msgs) == 0 {
			fmt.Println("No conversation yet. Ask something with: finsight ask \"...\"")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(terminal.Message(m))
		}
		if store.HasMore() {
			fmt.Println(terminal.Muted(fmt.Sprintf("Older messages available: finsight history --older %d", historyOlder+1)))
		}

		// History may have resumed a pending query; report where it ended up.
		if job, ok := sess.Queries().Active(); ok {
			fmt.Fprintln(os.Stderr, terminal.Muted("Waiting for pending query "+job.RemoteID+"..."))
			final, err := sess.Queries().Wait(ctx, job.ID)
			if err == nil {
				if msg, ok := store.Get(final.ID + "-ai"); ok {
					fmt.Println(terminal.Message(msg))
				}
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyOlder, "older", 0, "Number of older pages to load")
}

// --- companies command ---

var companiesCmd = &cobra.Command{
	Use:   "companies [filter]",
	Short: "List companies the backend can answer about",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		companies, err := sess.Backend().SearchCompanies(context.Background())
		if err != nil {
			return err
		}
		filter := ""
		if len(args) > 0 {
			filter = strings.ToLower(args[0])
		}

		var rows [][]string
		for _, c := range companies {
			if filter != "" && !strings.Contains(strings.ToLower(c.Slug+" "+c.Name), filter) {
				continue
			}
			rows = append(rows, []string{c.Slug, c.Label(), c.Sector, c.Industry})
		}
		if len(rows) == 0 {
			fmt.Println("No matching companies.")
			return nil
		}
		fmt.Println(terminal.Grid([]string{"Slug", "Name", "Sector", "Industry"}, rows))
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.Store().LoadInitial(context.Background()); err != nil {
			log.Printf("loading history: %v", err)
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, sess, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openSession() (*session.Session, error) {
	return session.Open(cfg, log.Default())
}

func openDB() (*database.DB, error) {
	return session.OpenDB(cfg)
}
