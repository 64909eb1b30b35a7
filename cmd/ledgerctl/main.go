// ledgerctl - A utility to inspect and maintain the cost basis ledger.
// It audits integrity, prints per-symbol summaries and premium history, and
// handles backup/restore without touching the broker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/eddiefleurent/covered_caller/internal/config"
	"github.com/eddiefleurent/covered_caller/internal/ledger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := ledger.NewStore(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		log.Fatalf("Failed to open ledger store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close ledger store: %v", err)
		}
	}()

	led, err := ledger.New(store, log.New(os.Stderr, "ledgerctl: ", log.LstdFlags))
	if err != nil {
		log.Fatalf("Failed to load ledger: %v", err)
	}

	switch args[0] {
	case "audit":
		runAudit(led, *jsonOutput)
	case "summary":
		runSummary(led, args[1:], *jsonOutput)
	case "history":
		runHistory(led, args[1:], *jsonOutput)
	case "backup":
		runBackup(led, cfg)
	case "restore":
		runRestore(led, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ledgerctl [-config path] [-json] <command>

Commands:
  audit                 Validate cumulative premium integrity for all symbols
  summary [symbol]      Print cost basis summary for one or all symbols
  history <symbol>      Print the premium event history for a symbol
  backup                Write a timestamped backup to the configured backup dir
  restore <file>        Replace the ledger with a backup file
  restore -merge <file> Merge a backup into the current ledger
`)
}

func runAudit(led *ledger.Ledger, jsonOutput bool) {
	ok, issues := led.ValidateAll()
	if jsonOutput {
		printJSON(map[string]interface{}{"ok": ok, "issues": issues})
	} else if ok {
		fmt.Printf("Ledger integrity OK (%d symbols)\n", len(led.Symbols()))
	} else {
		fmt.Printf("Ledger integrity FAILED:\n")
		for _, issue := range issues {
			fmt.Printf("  - %s\n", issue)
		}
	}
	if !ok {
		os.Exit(1)
	}
}

func runSummary(led *ledger.Ledger, args []string, jsonOutput bool) {
	symbols := led.Symbols()
	if len(args) > 0 {
		symbols = args[:1]
	}

	summaries := make([]*ledger.Summary, 0, len(symbols))
	for _, symbol := range symbols {
		summary, err := led.GetSummary(symbol)
		if err != nil {
			log.Fatalf("Failed to get summary for %s: %v", symbol, err)
		}
		summaries = append(summaries, summary)
	}

	if jsonOutput {
		printJSON(summaries)
		return
	}
	for _, s := range summaries {
		fmt.Printf("%s: %d shares @ $%.2f original, $%.2f premium collected, effective $%.2f/share (-%.1f%%)\n",
			s.Symbol, s.TotalShares, s.OriginalCostBasisPerShare,
			s.CumulativePremiumCollected, s.EffectiveCostBasisPerShare, s.ReductionPct)
	}
}

func runHistory(led *ledger.Ledger, args []string, jsonOutput bool) {
	if len(args) == 0 {
		log.Fatal("history requires a symbol")
	}
	history := led.GetHistory(args[0])

	if jsonOutput {
		printJSON(history)
		return
	}
	for _, impact := range history {
		fmt.Printf("%s  %-22s  $%8.2f premium  %d contracts  -$%.4f/share\n",
			impact.ExecutionDate.Format("2006-01-02"), impact.StrategyType,
			impact.PremiumCollected, impact.ContractsExecuted, impact.CostBasisReductionPerShare)
	}
}

func runBackup(led *ledger.Ledger, cfg *config.Config) {
	dir := cfg.Ledger.BackupDir
	if dir == "" {
		dir = "."
	}
	path, err := led.Backup(dir)
	if err != nil {
		log.Fatalf("Backup failed: %v", err)
	}
	fmt.Printf("Backup written to %s\n", path)
}

func runRestore(led *ledger.Ledger, args []string) {
	merge := false
	if len(args) > 0 && args[0] == "-merge" {
		merge = true
		args = args[1:]
	}
	if len(args) == 0 {
		log.Fatal("restore requires a backup file path")
	}
	if err := led.Restore(args[0], merge); err != nil {
		log.Fatalf("Restore failed: %v", err)
	}
	fmt.Printf("Ledger restored from %s (merge=%t)\n", args[0], merge)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal output: %v", err)
	}
	fmt.Println(string(out))
}
