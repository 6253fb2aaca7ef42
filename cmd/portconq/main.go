package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"portcon-analyzer/internal/config"
	"portcon-analyzer/internal/engine"
	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/parser"
	"portcon-analyzer/pkg/wellknown"
)

var (
	ruleProvider string
	policyFile   string
	dbDSN        string
	queriesFile  string
	outFile      string
	exportFile   string
	rawOutput    bool
	workers      int
	timeout      time.Duration
	logLevel     string
	logFile      string

	cliQuery config.Query
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portconq",
		Short: "Query SELinux portcon statements",
		Long: `portconq loads an SELinux policy and lists the portcon statements
	that match the given port, protocol and context criteria.`,
		RunE:         run,
		SilenceUsage: true,
	}

	// Set up flags
	rootCmd.Flags().StringVar(&ruleProvider, "provider", "policyconf", "Policy source: 'policyconf', 'csv', 'mariadb' or 'sqlite'")
	rootCmd.Flags().StringVar(&policyFile, "policy", "", "Policy file (for 'policyconf' and 'csv' providers)")
	rootCmd.Flags().StringVar(&dbDSN, "db", "", "Database DSN or SQLite path (for 'mariadb' and 'sqlite' providers)")
	rootCmd.Flags().StringVar(&queriesFile, "queries", "", "YAML file with named queries (overrides the criteria flags)")
	rootCmd.Flags().StringVar(&outFile, "out", "results.csv", "Output CSV file for matching statements (empty to disable)")
	rootCmd.Flags().StringVar(&exportFile, "export", "", "Also write the loaded policy to a new SQLite database")
	rootCmd.Flags().BoolVar(&rawOutput, "raw", false, "Print matching statements to stdout")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of queries evaluated concurrently")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort evaluation after this long (0 disables)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")

	// Criteria flags
	cliQuery = config.Query{Name: "cli"}
	rootCmd.Flags().StringVar(&cliQuery.Protocol, "protocol", "", "Match the protocol (tcp, udp, dccp, sctp)")
	rootCmd.Flags().StringVar(&cliQuery.Ports, "ports", "", "Match a port number, range or well-known service, e.g. 22, 6000-6020 or ssh")
	rootCmd.Flags().StringVar(&cliQuery.PortsMode, "ports-mode", "exact", "Port matching: exact, overlap, subset or superset")
	rootCmd.Flags().BoolVar(&cliQuery.PortsProper, "ports-proper", false, "Subset/superset port matching excludes equal ranges")
	rootCmd.Flags().StringVar(&cliQuery.User, "user", "", "Match the user of the context")
	rootCmd.Flags().BoolVar(&cliQuery.UserRegex, "user-regex", false, "Treat --user as a regular expression")
	rootCmd.Flags().StringVar(&cliQuery.Role, "role", "", "Match the role of the context")
	rootCmd.Flags().BoolVar(&cliQuery.RoleRegex, "role-regex", false, "Treat --role as a regular expression")
	rootCmd.Flags().StringVar(&cliQuery.Type, "type", "", "Match the type of the context")
	rootCmd.Flags().BoolVar(&cliQuery.TypeRegex, "type-regex", false, "Treat --type as a regular expression")
	rootCmd.Flags().StringVar(&cliQuery.Range, "range", "", "Match the MLS range of the context, e.g. 's0 - s0:c0.c1023'")
	rootCmd.Flags().StringVar(&cliQuery.RangeMode, "range-mode", "exact", "Range matching: exact, overlap, subset or superset")
	rootCmd.Flags().BoolVar(&cliQuery.RangeProper, "range-proper", false, "Subset/superset range matching excludes equal ranges")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type namedQuery struct {
	name      string
	evaluator *engine.Evaluator
}

func run(cmd *cobra.Command, args []string) error {
	// --- 1. Setup Logging ---
	logWriter, closeLog := openLogWriter(logFile)
	defer closeLog()
	slog.SetDefault(newLogger(logLevel, logWriter))

	slog.Info("Starting portcon query", "version", "1.0-go")
	startTime := time.Now()

	// --- 2. Load Queries ---
	queries := []config.Query{cliQuery}
	if queriesFile != "" {
		file, err := config.Load(queriesFile)
		if err != nil {
			slog.Error("Failed to load query file", "path", queriesFile, "error", err)
			return err
		}
		if file.LogLevel != "" && !cmd.Flags().Changed("log-level") {
			slog.SetDefault(newLogger(file.LogLevel, logWriter))
		}
		if file.Workers > 0 && !cmd.Flags().Changed("workers") {
			workers = file.Workers
		}
		queries = file.Queries
	}

	// --- 3. Load Policy ---
	slog.Info("Loading policy...", "provider", ruleProvider)
	policy, err := loadPolicy(ruleProvider, policyFile, dbDSN)
	if err != nil {
		slog.Error("Failed to load policy", "error", err)
		return err
	}
	slog.Info("Successfully loaded policy", "statements", len(policy.Statements), "mls", policy.MLS())

	if exportFile != "" {
		if err := parser.ExportSQLite(exportFile, policy); err != nil {
			slog.Error("Failed to export policy", "path", exportFile, "error", err)
			return err
		}
		slog.Info("Exported policy", "path", exportFile)
	}

	// --- 4. Validate Criteria ---
	evaluators, err := buildEvaluators(policy, queries)
	if err != nil {
		return err
	}

	// --- 5. Evaluate ---
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	results, evalErr := evaluateAll(ctx, policy, evaluators, workers)
	if evalErr != nil {
		slog.Error("Query failed; writing the results produced so far", "error", evalErr)
	}

	// --- 6. Write Results ---
	if rawOutput {
		for i := range evaluators {
			if err := engine.Trace(cmd.OutOrStdout(), results[i]); err != nil {
				return err
			}
		}
	}
	if outFile != "" {
		slog.Info("Writing results", "output_file", outFile)
		if err := writeResults(outFile, evaluators, results); err != nil {
			slog.Error("Failed to write results", "path", outFile, "error", err)
			return err
		}
	}
	if evalErr != nil {
		return evalErr
	}

	slog.Info("Query complete", "duration", time.Since(startTime))
	return nil
}

// buildEvaluators validates every query and logs each field in error. It
// fails if any query has a field in error.
func buildEvaluators(policy *model.Policy, queries []config.Query) ([]namedQuery, error) {
	var rc engine.RangeComparer
	if policy.MLS() {
		rc = policy.Ordering
	}

	var evaluators []namedQuery
	failed := 0
	for _, q := range queries {
		in := q.Input()
		in.Ports = servicePorts(in.Ports, in.Protocol)
		criteria, errs := engine.ParseInput(in, rc)
		if len(errs) > 0 {
			for _, f := range errs.Fields() {
				e := errs[f]
				slog.Error("Criteria error", "query", q.Name, "field", string(f), "value", e.Value, "error", e.Err)
			}
			failed += len(errs)
			continue
		}
		if criteria.Range != "" && rc == nil {
			slog.Warn("MLS is disabled in this policy; ignoring range criteria", "query", q.Name)
		}
		warnUndeclared(policy, q.Name, criteria)

		opts := []engine.Option{engine.WithLogger(slog.Default().With("query", q.Name))}
		if rc != nil {
			opts = append(opts, engine.WithRanges(rc))
		}
		e, err := engine.NewEvaluator(criteria, opts...)
		if err != nil {
			slog.Error("Criteria error", "query", q.Name, "error", err)
			failed++
			continue
		}
		evaluators = append(evaluators, namedQuery{name: q.Name, evaluator: e})
	}
	if failed > 0 {
		return nil, fmt.Errorf("%d criteria field(s) in error", failed)
	}
	return evaluators, nil
}

// warnUndeclared flags exact names the policy does not declare; such
// queries can never match.
func warnUndeclared(policy *model.Policy, query string, c engine.Criteria) {
	check := func(kind, name string, regex bool, known []string, has func(string) bool) {
		if name == "" || regex || len(known) == 0 || has(name) {
			return
		}
		slog.Warn("Criteria names something the policy does not declare", "query", query, "kind", kind, "name", name)
	}
	check("user", c.User, c.UserRegex, policy.Users, policy.HasUser)
	check("role", c.Role, c.RoleRegex, policy.Roles, policy.HasRole)
	check("type", c.Type, c.TypeRegex, policy.Types, policy.HasType)
}

// servicePorts replaces a well-known service name ("ssh", "dns") with its
// port. Anything else, including names bound to different ports per
// protocol, is returned unchanged for the port parser to judge.
func servicePorts(spec, protocol string) string {
	entries, ok := wellknown.GetService(strings.TrimSpace(spec))
	if !ok {
		return spec
	}
	port := -1
	for _, e := range entries {
		if protocol != "" && !strings.EqualFold(string(e.Protocol), protocol) {
			continue
		}
		if port >= 0 && port != e.Port {
			slog.Warn("Service name maps to several ports", "service", spec)
			return spec
		}
		port = e.Port
	}
	if port < 0 {
		return spec
	}
	return strconv.Itoa(port)
}

// evaluateAll runs every query against the policy. On error the returned
// slice still holds the matches of finished queries and the partial matches
// of the failed ones.
func evaluateAll(ctx context.Context, policy *model.Policy, queries []namedQuery, limit int) ([][]model.Statement, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([][]model.Statement, len(queries))

	var completed atomic.Int64
	progressDone := make(chan struct{})
	defer close(progressDone)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				slog.Info("Progress", "total_queries", len(queries), "completed_queries", completed.Load())
			case <-progressDone:
				return
			}
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, q := range queries {
		g.Go(func() error {
			matches, err := q.evaluator.Evaluate(gCtx, policy.Statements)
			results[i] = matches
			if err != nil {
				return fmt.Errorf("query %s: %w", q.name, err)
			}
			completed.Add(1)
			slog.Info(fmt.Sprintf("%d portcon statement(s) found.", len(matches)), "query", q.name)
			return nil
		})
	}
	return results, g.Wait()
}

// openLogWriter opens the log file once for the whole run. It falls back
// to stderr when path is empty or cannot be opened.
func openLogWriter(path string) (io.Writer, func()) {
	if path == "" {
		return os.Stderr, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// No logger yet to report this to.
		fmt.Fprintf(os.Stderr, "cannot open log file %s, logging to stderr: %v\n", path, err)
		return os.Stderr, func() {}
	}
	return f, func() { f.Close() }
}

// newLogger builds a JSON logger at the named level; unknown names mean INFO.
func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadPolicy(provider, policyPath, dsn string) (*model.Policy, error) {
	switch provider {
	case "policyconf":
		if policyPath == "" {
			return nil, fmt.Errorf("policy file path must be provided for policyconf provider")
		}
		file, err := os.Open(policyPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		p := parser.NewPolicyConfParser(file)
		if err := p.Parse(); err != nil {
			return nil, err
		}
		return &p.Policy, nil
	case "csv":
		if policyPath == "" {
			return nil, fmt.Errorf("policy file path must be provided for csv provider")
		}
		file, err := os.Open(policyPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return parser.ParseStatementsCSV(file)
	case "mariadb", "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("database connection string must be provided for %s provider", provider)
		}
		driver := parser.DriverMySQL
		if provider == "sqlite" {
			driver = parser.DriverSQLite
		}
		p, err := parser.NewDBParser(driver, dsn)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		if err := p.Parse(); err != nil {
			return nil, err
		}
		return &p.Policy, nil
	default:
		return nil, fmt.Errorf("unknown policy provider: %s", provider)
	}
}
