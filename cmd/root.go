// Package cmd defines and implements the CLI commands for the seo-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/app"
	"github.com/JakeFAU/seo-crawler/internal/config"
	"github.com/JakeFAU/seo-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// options such as a stub launcher.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// rootCommand pairs the cobra tree with the services it built so they can be
// released even when a subcommand fails.
type rootCommand struct {
	*cobra.Command
	app *app.App
}

// close releases the application services exactly once.
func (r *rootCommand) close(ctx context.Context) error {
	if r.app == nil {
		return nil
	}
	appInstance := r.app
	r.app = nil
	closeErr := appInstance.Close(ctx)
	// Sync fails on stdout/stderr for some platforms; ignore it.
	_ = appInstance.Logger.Sync()
	return closeErr
}

// newRootCmd creates and configures the root command.
func newRootCmd() *rootCommand {
	var cfgFile string
	root := &rootCommand{}
	cmd := &cobra.Command{
		Use:   "seo-crawler",
		Short: "Crawls a website and records SEO signals for every page.",
		Long: `seo-crawler renders every reachable page of one site, extracts titles,
meta tags, headings, links and performance timings, and hands the records to
downstream analyzers. Unchanged pages are reused from a cache or from the
previous crawl's snapshot.`,
		SilenceUsage: true,

		// Builds the services once config is known and stores them in the
		// command context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			root.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return root.close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SEOCRAWL_* env vars override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	root.Command = cmd
	return root
}

// execute runs the command tree and always releases the services, also when
// a subcommand failed and cobra skipped the post-run hook.
func (r *rootCommand) execute(ctx context.Context) error {
	runErr := r.ExecuteContext(ctx)
	closeErr := r.close(context.WithoutCancel(ctx))
	return errors.Join(runErr, closeErr)
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := newRootCmd().execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
