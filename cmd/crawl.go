package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

type crawlOptions struct {
	out    string
	format string
}

// crawlOutput is the document written by the crawl command.
type crawlOutput struct {
	RunID    string             `json:"run_id"`
	SiteID   string             `json:"site_id"`
	Seed     string             `json:"seed"`
	State    crawler.State      `json:"state"`
	Stats    crawler.CrawlStats `json:"stats"`
	Failures map[string]string  `json:"failures,omitempty"`
	Pages    any                `json:"pages"`
	Persist  string             `json:"persist_error,omitempty"`
}

// newCrawlCmd creates the 'crawl' subcommand. It crawls one site to completion
// and writes the result as JSON. An interrupt stops the crawl gracefully and
// the partial result is still written.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl <seed-url>",
		Short: "Crawls one site and writes the pages as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "-", "output file, or - for stdout")
	cmd.Flags().StringVar(&opts.format, "format", "records", "page format: records or analysis")
	return cmd
}

func runCrawl(cmd *cobra.Command, seed string, opts *crawlOptions) error {
	if opts.format != "records" && opts.format != "analysis" {
		return fmt.Errorf("unknown format %q", opts.format)
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger

	res, runErr := appInstance.Engine.Run(cmd.Context(), seed)
	if res.RunID == "" {
		return fmt.Errorf("run crawler: %w", runErr)
	}
	if runErr != nil {
		logger.Error("crawl failed", zap.Error(runErr))
	}

	out := crawlOutput{
		RunID:    res.RunID,
		SiteID:   res.SiteID,
		Seed:     res.Seed,
		State:    res.State,
		Stats:    res.Stats,
		Failures: res.Failures,
	}
	if res.PersistErr != nil {
		out.Persist = res.PersistErr.Error()
	}
	if opts.format == "analysis" {
		out.Pages = res.AnalysisPages()
	} else {
		out.Pages = res.Pages
	}
	if err := writeOutput(cmd.OutOrStdout(), opts.out, out); err != nil {
		return err
	}
	logger.Info("crawl command finished",
		zap.String("run_id", res.RunID),
		zap.Int("pages", len(res.Pages)),
		zap.String("out", opts.out))
	return runErr
}

func writeOutput(stdout io.Writer, path string, payload any) error {
	if path == "-" || path == "" {
		return encodeOutput(stdout, payload)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encodeOutput(f, payload); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

func encodeOutput(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
