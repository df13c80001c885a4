// Package main provides an operator CLI for the BreachGuard ledger, rules and
// SIEM failure store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"breachguard/internal/breach"
	"breachguard/internal/config"
	"breachguard/internal/ledger"
	"breachguard/internal/logging"
	"breachguard/internal/siem"
)

var version = "dev"

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22C55E"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var code int
	switch os.Args[1] {
	case "verify":
		code = runVerifyCmd(os.Args[2:], os.Stdout)
	case "seal":
		code = runSealCmd(os.Args[2:], os.Stdout)
	case "rules":
		code = runRulesCmd(os.Args[2:], os.Stdout)
	case "retry-failed":
		code = runRetryCmd(os.Args[2:], os.Stdout)
	case "-version", "--version", "-v":
		fmt.Printf("breachctl %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage(os.Stderr)
		code = 1
	}
	os.Exit(code)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: breachctl <command> [flags] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  verify                 Verify the ledger hash chain\n")
	fmt.Fprintf(w, "  seal -reason <text>    Seal the current ledger segment\n")
	fmt.Fprintf(w, "  rules list [file]      List built-in and custom breach rules\n")
	fmt.Fprintf(w, "  rules validate <file>  Validate a custom rules file\n")
	fmt.Fprintf(w, "  retry-failed           Re-send events from the SIEM failure store\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -config   Path to config file (default $BREACHGUARD_CONFIG_PATH)\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

// loadConfig honors -config before falling back to the environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func cliLogger(verbose bool) *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, level, "text")
}

func runVerifyCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dir := fs.String("dir", "", "Ledger directory (overrides config)")
	verbose := fs.Bool("verbose", false, "Log debug output to stderr")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *dir != "" {
		cfg.Ledger.Dir = *dir
	}
	return verifyLedger(context.Background(), cfg.Ledger, cliLogger(*verbose), out)
}

// verifyLedger checks the chain read-only so it can run beside a live service.
func verifyLedger(ctx context.Context, cfg ledger.Config, logger *slog.Logger, out io.Writer) int {
	res, err := ledger.Verify(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("FAIL"), cfg.Dir, err)
		return 2
	}
	if !res.Valid {
		fmt.Fprintf(out, "%s chain broken at event %d in %s: %s\n",
			failStyle.Render("FAIL"), res.FirstInvalidIndex, res.Segment, res.Reason)
		return 1
	}
	fmt.Fprintf(out, "%s %d events verified %s\n",
		okStyle.Render("OK"), res.Checked, dimStyle.Render(fmt.Sprintf("(%d segments, head %s)", res.Segments, shortHash(res.Head))))
	return 0
}

func runSealCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	reason := fs.String("reason", "", "Reason recorded in the seal event")
	fs.Parse(args)

	if strings.TrimSpace(*reason) == "" {
		fmt.Fprintf(os.Stderr, "Error: -reason is required\n")
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	l, err := ledger.Open(cfg.Ledger, cliLogger(false))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer l.Close()

	ev, err := l.Seal(context.Background(), *reason)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", failStyle.Render("FAIL"), err)
		return 1
	}
	fmt.Fprintf(out, "%s sealed segment %s\n", okStyle.Render("OK"), ev.Details["segment"])
	return 0
}

func runRulesCmd(args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: breachctl rules <list|validate> [file]\n")
		return 1
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("rules list", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		fs.Parse(args[1:])
		path := fs.Arg(0)
		if path == "" {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			path = cfg.Breach.CustomRulesPath
		}
		return listRules(path, out)
	case "validate":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: breachctl rules validate <file>\n")
			return 1
		}
		return validateRules(args[1], out)
	default:
		fmt.Fprintf(os.Stderr, "Unknown rules subcommand: %s\n", args[0])
		return 1
	}
}

func listRules(customPath string, out io.Writer) int {
	for _, r := range breach.BuiltinRules() {
		printRule(out, r, "builtin")
	}
	if customPath == "" {
		return 0
	}
	rules, invalid, err := breach.LoadRulesFile(customPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, r := range rules {
		printRule(out, r, "custom")
	}
	if len(invalid) > 0 {
		fmt.Fprintf(out, "%s\n", dimStyle.Render(fmt.Sprintf("%d invalid rule(s) skipped in %s", len(invalid), customPath)))
	}
	return 0
}

func printRule(out io.Writer, r *breach.Rule, origin string) {
	actions := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		actions[i] = string(a)
	}
	fmt.Fprintf(out, "%-28s  %-8s  %-8s  %3d/%-6s  %s  %s\n",
		r.ID, origin, r.Severity, r.Threshold, fmt.Sprintf("%ds", r.WindowSeconds), r.Name,
		dimStyle.Render(strings.Join(actions, ",")))
}

func validateRules(path string, out io.Writer) int {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("FAIL"), path, err)
		return 1
	}
	rules, invalid, err := breach.LoadRulesFile(path)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("FAIL"), path, err)
		return 1
	}

	reserved := make(map[string]bool)
	for _, r := range breach.BuiltinRules() {
		reserved[r.ID] = true
	}
	for _, r := range rules {
		if reserved[r.ID] {
			invalid = append(invalid, fmt.Errorf("%w %q: id is reserved by a built-in rule", breach.ErrInvalidRule, r.ID))
		}
	}

	if len(invalid) > 0 {
		fmt.Fprintf(out, "%s %s: %d invalid rule(s)\n", failStyle.Render("FAIL"), path, len(invalid))
		for _, e := range invalid {
			fmt.Fprintf(out, "      - %v\n", e)
		}
		return 1
	}
	fmt.Fprintf(out, "%s %s (%d rule(s))\n", okStyle.Render("OK"), path, len(rules))
	return 0
}

func runRetryCmd(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("retry-failed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	verbose := fs.Bool("verbose", false, "Log debug output to stderr")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !cfg.SIEM.Enabled {
		fmt.Fprintf(os.Stderr, "Error: SIEM export is disabled\n")
		return 1
	}

	ctx := context.Background()
	exp, err := siem.NewExporter(cfg.SIEM, cliLogger(*verbose))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	res := exp.RetryFailed(ctx)
	if err := exp.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if res.Failed > 0 {
		fmt.Fprintf(out, "%s %d re-sent, %d still failing\n", failStyle.Render("PARTIAL"), res.Sent, res.Failed)
		return 1
	}
	fmt.Fprintf(out, "%s %d re-sent\n", okStyle.Render("OK"), res.Sent)
	return 0
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
