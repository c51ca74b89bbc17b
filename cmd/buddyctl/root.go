package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// Global flags
	verbose bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "buddyctl",
	Short: "Inspect and exercise the buddy page allocator",
	Long: `buddyctl computes allocator layouts for a memory range and runs
concurrent allocate/free workloads against a mapped arena to check that the
free lists stay consistent.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newPrinter formats numbers with thousands separators.
func newPrinter(w io.Writer) *printer {
	return &printer{w: w, p: message.NewPrinter(language.English)}
}

type printer struct {
	w io.Writer
	p *message.Printer
}

func (p *printer) printf(format string, args ...interface{}) {
	p.p.Fprintf(p.w, format, args...)
}
