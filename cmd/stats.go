package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsink/config"
	"github.com/dhcgn/mailsink/decoder"
	"github.com/dhcgn/mailsink/filter"
	"github.com/dhcgn/mailsink/model"
	"github.com/dhcgn/mailsink/source"
	"github.com/dhcgn/mailsink/stats"
)

// folderKey counts the recipient folders a scan would write to.
const folderKey = "Folder"

var trackedHeaders = []string{"Delivered-To", "Subject", "From", "To"}

var (
	reportDir string
	topN      int
)

var statsCmd = &cobra.Command{
	Use:   "stats [directory]",
	Short: "Analyse the messages below a directory and show statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, cleanup, err := prepare(cmd, config.ModeStats)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		f, err := filter.New(cfg.Filter.Options())
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Analyzing directory:", args[0])

		walker := source.Walker{Root: args[0], Extensions: cfg.Scan.Extensions}
		a, err := analyze(cmd.Context(), walker, f, func(a *analysis) {
			if a.Messages%250 == 0 {
				a.print(out, f, topN)
			}
		})
		if err != nil {
			return fmt.Errorf("error reading messages: %w", err)
		}

		a.print(out, f, topN)

		if err := saveCSVReports(a.Counter, a.keys(), reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVarP(&reportDir, "report-dir", "r", ".", "Output directory for CSV reports")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	statsCmd.Flags().StringSlice("ext", config.Default().Scan.Extensions, "File extensions to scan")
	config.RegisterFilterFlags(statsCmd)
	rootCmd.AddCommand(statsCmd)
}

type analysis struct {
	Messages int
	Skipped  int
	Failed   int
	Counter  map[string]map[string]int
}

func (a *analysis) keys() []string {
	return append(append([]string(nil), trackedHeaders...), folderKey)
}

// analyze counts header values and recipient folders of every message the
// filter lets through.
func analyze(ctx context.Context, walker source.Walker, f *filter.Filter, onMessage func(*analysis)) (*analysis, error) {
	a := &analysis{Counter: make(map[string]map[string]int)}
	for _, key := range a.keys() {
		a.Counter[key] = make(map[string]int)
	}

	err := walker.Walk(ctx, func(env model.Envelope) error {
		if env.Err != nil {
			a.Failed++
			return nil
		}
		if !f.AllowsMessage(env.Raw) {
			a.Skipped++
			return nil
		}

		entity, err := message.Read(bytes.NewReader(env.Raw))
		if err != nil && entity == nil {
			a.Failed++
			return nil
		}

		a.Messages++
		for _, name := range trackedHeaders {
			if value := decoder.HeaderText(entity.Header, name); value != "" {
				a.Counter[name][value]++
			}
		}
		if recipients, err := model.ParseRecipients(decoder.HeaderText(entity.Header, "To")); err == nil {
			seen := make(map[string]bool, len(recipients))
			for _, addr := range recipients {
				if folder := addr.Folder(); !seen[folder] {
					seen[folder] = true
					a.Counter[folderKey][folder]++
				}
			}
		}

		if onMessage != nil {
			onMessage(a)
		}
		return nil
	})
	return a, err
}

func (a *analysis) print(w io.Writer, f *filter.Filter, limit int) {
	// ANSI escape code to clear screen and move cursor to top-left
	fmt.Fprint(w, "\033[H\033[2J")
	total := a.Messages + a.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(a.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%, %d unreadable)...\n\n", a.Messages, a.Skipped, filterPercent, a.Failed)

	if hits := f.Stats(); len(hits) > 0 {
		for _, h := range hits {
			if h.Hits > 0 {
				fmt.Fprintf(w, "  ✓ %s %s: %d hits\n", h.Kind, h.Pattern, h.Hits)
			} else {
				fmt.Fprintf(w, "  ✗ %s %s: 0 hits\n", h.Kind, h.Pattern)
			}
		}
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, key := range a.keys() {
		fmt.Fprintf(w, "Top %d %s:\n", limit, key)
		stats.PrettyPrintTop(w, a.Counter[key], limit)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, keys []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, key := range keys {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(key)))
		if err := writeCSVReport(filePath, stats.Top(counter[key], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, rows []stats.Count) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
