// Package main is the entry point for reelstore-meta, the registry export/import tool.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reelstore/reelstore/internal/config"
	"github.com/reelstore/reelstore/internal/metadata"
	"github.com/reelstore/reelstore/internal/serialization"
)

const usage = "Usage: reelstore-meta <export|import> [flags]"

// resolveDBPath returns the SQLite registry path named by the config file.
func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Metadata.Engine != "sqlite" {
		return "", fmt.Errorf("metadata engine is %q, only sqlite registries can be exported", cfg.Metadata.Engine)
	}
	return cfg.Metadata.SQLite.Path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func dbFromFlags(dbPath, configPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	return resolveDBPath(configPath)
}

func parseStatuses(s string) ([]metadata.Status, error) {
	if s == "" {
		return nil, nil
	}
	var out []metadata.Status
	for _, part := range strings.Split(s, ",") {
		st := metadata.Status(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("invalid status: %s", st)
		}
		out = append(out, st)
	}
	return out, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "reelstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	status := fs.String("status", "", "Comma-separated object states to export (default all)")
	fs.Parse(args)

	db, err := dbFromFlags(*dbPath, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}
	statuses, err := parseStatuses(*status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result, err := serialization.ExportMetadata(db, &serialization.ExportOptions{Statuses: statuses})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "reelstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db, err := dbFromFlags(*dbPath, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	var jsonData []byte
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  objects: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
