package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/export"
	"github.com/TobiSchelling/FinSight/internal/session"
	"github.com/TobiSchelling/FinSight/internal/terminal"
	"github.com/TobiSchelling/FinSight/internal/testrunner"
)

// --- test command ---

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Manage and run test queries against the backend",
}

var (
	testExpected string
	testTags     []string
	testPriority string
	testPeriod   string
	testLimit    int
	testOutput   string
	testPDF      string
	testFilter   testrunner.Filter
	testRerun    []int64
)

var testAddCmd = &cobra.Command{
	Use:   "add <query>",
	Short: "Add a test query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		q := strings.Join(args, " ")
		id, err := db.InsertTestCase(database.TestCase{
			Query:    q,
			Expected: testExpected,
			Tags:     testTags,
			Priority: testPriority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added test [%d]: %s\n", id, q)
		return nil
	},
}

var testListCmd = &cobra.Command{
	Use:   "list",
	Short: "List test queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		all, err := db.ListTestCases()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No test queries defined. Add one with: finsight test add <query>")
			return nil
		}
		cases := testrunner.FilterCases(all, testFilter)
		if len(cases) == 0 {
			fmt.Printf("No test queries match the filter (%d defined).\n", len(all))
			return nil
		}
		fmt.Println(terminal.TestCases(cases))
		return nil
	},
}

var testRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a test query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		tc, err := db.GetTestCase(id)
		if err != nil {
			return err
		}
		if tc == nil {
			return fmt.Errorf("test %d not found", id)
		}
		if err := db.DeleteTestCase(id); err != nil {
			return err
		}
		fmt.Printf("Removed test [%d]: %s\n", id, tc.Query)
		return nil
	},
}

var testImportCmd = &cobra.Command{
	Use:   "import <file.xlsx|file.csv>",
	Short: "Import test prompts from an Excel or CSV file with a Prompt column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		cases, err := sess.Runner().ImportFile(args[0], f, testTags, testPriority)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d test queries from %s\n", len(cases), args[0])
		return nil
	},
}

var testRunCmd = &cobra.Command{
	Use:   "run [id...]",
	Short: "Run the test queries matching the filters, or only the given ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		for _, hid := range testRerun {
			tc, err := sess.Runner().Rerun(hid)
			if err != nil {
				return err
			}
			fmt.Printf("Re-added history [%d] as test [%d]\n", hid, tc.ID)
			args = append(args, strconv.FormatInt(tc.ID, 10))
		}

		all, err := sess.DB().ListTestCases()
		if err != nil {
			return err
		}
		cases := testrunner.FilterCases(all, testFilter)
		if len(args) > 0 {
			wanted := make(map[int64]bool, len(args))
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				wanted[id] = true
			}
			var selected []database.TestCase
			for _, tc := range all {
				if wanted[tc.ID] {
					selected = append(selected, tc)
				}
			}
			cases = selected
		}
		if len(cases) == 0 {
			fmt.Println("Nothing to run.")
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		fmt.Printf("Running %d test queries...\n", len(cases))
		result, err := sess.Runner().Run(ctx, cases)
		if err != nil {
			return err
		}

		for i, step := range result.Steps {
			fmt.Printf("\nTest %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  %s\n", terminal.Error("Error: "+step.Err.Error()))
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		fmt.Printf("\n%d passed, %d failed\n", result.Passed, result.Failed)
		return nil
	},
}

var testHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show test run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		entries, err := sess.Runner().History(testPeriod, testLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No test runs in this period.")
			return nil
		}
		fmt.Println(terminal.TestHistory(entries))
		fmt.Println(terminal.Muted("* verdict submitted to the backend"))
		return nil
	},
}

var testMarkCmd = &cobra.Command{
	Use:   "mark <history-id> pass|fail [issues...]",
	Short: "Record a manual verdict and submit it to the backend",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		issues := strings.Join(args[2:], " ")
		if err := sess.Runner().Mark(context.Background(), id, args[1], issues); err != nil {
			return err
		}
		fmt.Printf("Marked [%d] as %s\n", id, strings.ToLower(args[1]))
		return nil
	},
}

var testClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the local test history",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ClearTestHistory(); err != nil {
			return err
		}
		fmt.Println("Test history cleared.")
		return nil
	},
}

var testExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export test history as JSON or PDF",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		entries, err := sess.Runner().History(testPeriod, 0)
		if err != nil {
			return err
		}

		records := testrunner.Records(entries)
		if testPDF != "" {
			doc, err := export.ResultsPDF(records, export.Metadata{
				Title:       "FinSight Test Results",
				Summary:     "Period: " + database.FormatPeriodDisplay(testPeriod, time.Now()),
				GeneratedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("exporting pdf: %w", err)
			}
			if err := os.WriteFile(testPDF, doc.Bytes, 0o644); err != nil {
				return fmt.Errorf("writing pdf: %w", err)
			}
			fmt.Printf("Exported %d results to %s (%d pages)\n", len(entries), testPDF, doc.Pages)
			if testOutput == "" {
				return nil
			}
		}

		var w io.Writer = os.Stdout
		if testOutput != "" {
			f, err := os.Create(testOutput)
			if err != nil {
				return fmt.Errorf("creating %s: %w", testOutput, err)
			}
			defer f.Close()
			w = f
		}
		if err := export.ResultsJSON(w, records); err != nil {
			return err
		}
		if testOutput != "" {
			fmt.Printf("Exported %d results to %s\n", len(entries), testOutput)
		}
		return nil
	},
}

var testSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Merge verdicts recorded on the backend into the local history",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		if sess.UserName() == "" {
			return session.ErrNoUserName
		}
		added, err := sess.Runner().Sync(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d new entries from the backend.\n", added)
		return nil
	},
}

var testStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize test history",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		stats, err := sess.Runner().Stats(testPeriod)
		if err != nil {
			return err
		}
		fmt.Print(terminal.Stats(stats, database.FormatPeriodDisplay(testPeriod, time.Now())))
		return nil
	},
}

func init() {
	testAddCmd.Flags().StringVarP(&testExpected, "expected", "e", "", "Text the response should contain")
	for _, c := range []*cobra.Command{testAddCmd, testImportCmd} {
		c.Flags().StringSliceVarP(&testTags, "tag", "t", nil, "Tag (repeatable)")
		c.Flags().StringVar(&testPriority, "priority", "medium", "Priority: low, medium or high")
	}
	for _, c := range []*cobra.Command{testHistoryCmd, testExportCmd, testStatsCmd} {
		c.Flags().StringVar(&testPeriod, "period", database.PeriodAll, "Period: today, week, month or all")
	}
	testHistoryCmd.Flags().IntVarP(&testLimit, "limit", "n", 50, "Maximum entries to show (0 for all)")
	testExportCmd.Flags().StringVarP(&testOutput, "output", "o", "", "Write to this file instead of stdout")
	testExportCmd.Flags().StringVar(&testPDF, "pdf", "", "Write a PDF report to this file")
	for _, c := range []*cobra.Command{testListCmd, testRunCmd} {
		c.Flags().StringVarP(&testFilter.Search, "search", "s", "", "Only queries or tags containing this text")
		c.Flags().StringVar(&testFilter.Status, "status", "all", "Only this status: pending, running, completed, failed, timeout or cancelled")
		c.Flags().StringVar(&testFilter.Priority, "priority", "all", "Only this priority: low, medium or high")
		c.Flags().BoolVar(&testFilter.FailedOnly, "failed", false, "Only queries whose last run failed")
	}
	testRunCmd.Flags().Int64SliceVar(&testRerun, "rerun", nil, "Copy this history entry into a new test and run it (repeatable)")

	testCmd.AddCommand(testAddCmd)
	testCmd.AddCommand(testListCmd)
	testCmd.AddCommand(testRemoveCmd)
	testCmd.AddCommand(testImportCmd)
	testCmd.AddCommand(testRunCmd)
	testCmd.AddCommand(testHistoryCmd)
	testCmd.AddCommand(testMarkCmd)
	testCmd.AddCommand(testClearCmd)
	testCmd.AddCommand(testExportCmd)
	testCmd.AddCommand(testSyncCmd)
	testCmd.AddCommand(testStatsCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID: %s", s)
	}
	return id, nil
}
