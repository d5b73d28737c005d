// Command knowledgectl ingests documents into a multi-tenant knowledge base and
// answers questions from it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/contextutil"
	"knowledge-rag/internal/service"
)

// opener builds the service for one command invocation and returns a function
// that releases it.
type opener func(ctx context.Context) (service.KnowledgeService, func() error, error)

// cli holds the flags shared by every command.
type cli struct {
	tenantID int64
	jsonOut  bool
	open     opener
}

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

// openFromEnv loads configuration, configures logging and wires the engine.
func openFromEnv(ctx context.Context) (service.KnowledgeService, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))
	slog.DebugContext(ctx, "logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	a, err := openApp(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a.svc, a.Close, nil
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "knowledgectl",
		Short: "Multi-tenant document knowledge base",
		Long: `Ingests documents, splits them into chunks, embeds and stores them per tenant,
and answers questions from the most relevant passages.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Int64VarP(&c.tenantID, "tenant", "t", 0, "tenant id")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		c.ingestCmd(),
		c.queryCmd(),
		c.searchCmd(),
		c.listCmd(),
		c.deleteCmd(),
		c.clearCmd(),
		c.reembedCmd(),
		c.statsCmd(),
		c.exportCmd(),
		c.importCmd(),
	)
	return root
}

// run opens the service, runs fn and releases the service.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, svc service.KnowledgeService) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close: %w", cerr)
		}
	}()

	ctx = contextutil.WithAttrs(ctx, "command", cmd.Name())
	return fn(ctx, svc)
}

// requireTenant fails commands that act on a tenant when --tenant is missing.
func (c *cli) requireTenant() error {
	if c.tenantID <= 0 {
		return fmt.Errorf("--tenant is required and must be positive")
	}
	return nil
}
