package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"knowledge-rag/internal/service"
)

func (c *cli) ingestCmd() *cobra.Command {
	var (
		text, documentID, filename, category, declaredType string
		tags                                               []string
	)
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a document",
		Long: `Extracts text from a file (txt, md, pdf, docx, doc) or takes it from --text,
then chunks, embeds and stores it for the tenant. Re-ingesting a document id
replaces its chunks.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			req := service.IngestRequest{
				TenantID:     c.tenantID,
				Text:         text,
				DocumentID:   documentID,
				Filename:     filename,
				Category:     category,
				Tags:         tags,
				DeclaredType: declaredType,
			}
			if len(args) == 1 {
				req.FilePath = args[0]
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				resp, err := svc.Ingest(ctx, req)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "Document %s: %s\n", resp.DocumentID, resp.Status)
				_, _ = fmt.Fprintf(out, "  chunks created:  %d\n", resp.ChunksCreated)
				_, _ = fmt.Fprintf(out, "  chunks embedded: %d\n", resp.ChunksEmbedded)
				_, _ = fmt.Fprintf(out, "  quality score:   %d\n", resp.QualityScore)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "raw text to ingest instead of a file")
	cmd.Flags().StringVar(&documentID, "id", "", "document id (generated when empty)")
	cmd.Flags().StringVar(&filename, "filename", "", "filename recorded with the chunks")
	cmd.Flags().StringVarP(&category, "category", "c", "", "document category")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	cmd.Flags().StringVar(&declaredType, "type", "", "document type, overrides the file extension")
	return cmd
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		category, language string
		topK               int
	)
	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Answer a question from the tenant's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				resp, err := svc.Query(ctx, service.QueryRequest{
					TenantID: c.tenantID,
					Question: args[0],
					Category: category,
					TopK:     topK,
					Language: language,
				})
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintln(out, resp.Answer)
				if !resp.HasContext {
					return nil
				}
				_, _ = fmt.Fprintf(out, "\nConfidence: %.2f\nSources:\n", resp.Confidence)
				for i, s := range resp.Sources {
					_, _ = fmt.Fprintf(out, "  [%d] %s (%s) %.2f\n", i+1, s.Filename, s.Category, s.Score)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "only use chunks of this category")
	cmd.Flags().StringVar(&language, "lang", "", "answer language, en or ar")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "number of chunks to retrieve")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find the chunks most similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				hits, err := svc.Search(ctx, c.tenantID, args[0], limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd, hits)
				}
				out := cmd.OutOrStdout()
				if len(hits) == 0 {
					_, _ = fmt.Fprintln(out, "No results found.")
					return nil
				}
				for i, h := range hits {
					_, _ = fmt.Fprintf(out, "  [%d] %s (%.2f)\n      %s\n", i+1, h.ID, h.Score, preview(h.Text, 120))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of results")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var (
		limit    int
		registry bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's chunks or registered documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				out := cmd.OutOrStdout()
				if registry {
					docs, err := svc.Documents(ctx, c.tenantID)
					if err != nil {
						return err
					}
					if c.jsonOut {
						return printJSON(cmd, docs)
					}
					for _, d := range docs {
						_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%d/%d\n", d.ID, d.Status, d.Filename, d.ChunksEmbedded, d.ChunksCreated)
					}
					return nil
				}

				listing, err := svc.ListDocuments(ctx, c.tenantID, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd, listing)
				}
				for _, l := range listing {
					_, _ = fmt.Fprintf(out, "%s\t%s\n", l.ID, preview(l.TextPreview, 80))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of chunks, 0 for all")
	cmd.Flags().BoolVar(&registry, "registry", false, "list registered documents instead of chunks")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [document-id]",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				if err := svc.DeleteDocument(ctx, c.tenantID, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted document %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every chunk and document of the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to clear tenant %d without --yes", c.tenantID)
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				n, err := svc.ClearTenant(ctx, c.tenantID)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d chunks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the tenant")
	return cmd
}

func (c *cli) reembedCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reembed [document-id]",
		Short: "Embed stored documents again",
		Long: `Re-chunks the stored text of a document, or of every document with --all,
and embeds it again. Use after changing the embedding model or chunk size.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a document id or --all")
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				var results []service.IngestResponse
				var err error
				if all {
					results, err = svc.ReembedAll(ctx, c.tenantID)
				} else {
					var resp service.IngestResponse
					resp, err = svc.Reembed(ctx, c.tenantID, args[0])
					results = append(results, resp)
				}
				if c.jsonOut {
					if perr := printJSON(cmd, results); perr != nil {
						return perr
					}
				} else {
					for _, r := range results {
						if r.DocumentID == "" {
							continue
						}
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d/%d\n", r.DocumentID, r.Status, r.ChunksEmbedded, r.ChunksCreated)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-embed every document of the tenant")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ingestion coverage for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				stats, err := svc.Stats(ctx, c.tenantID)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "Documents:        %d (%d without chunks)\n", stats.Documents, stats.DocsWith0Chunks)
				for status, n := range stats.DocumentsByStatus {
					_, _ = fmt.Fprintf(out, "  %-14s  %d\n", status, n)
				}
				_, _ = fmt.Fprintf(out, "Chunks:           %d created, %d embedded, %d skipped\n",
					stats.ChunksCreated, stats.ChunksEmbedded, stats.ChunksSkipped)
				t := stats.ChunkTokenStats
				_, _ = fmt.Fprintf(out, "Tokens per chunk: min %d, max %d, mean %.2f, p95 %d\n", t.Min, t.Max, t.Mean, t.P95)
				_, _ = fmt.Fprintf(out, "Index version:    %s (chunker %s)\n", stats.IndexVersion, stats.ChunkerVersion)
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write a compressed snapshot of every tenant's records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) (err error) {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create snapshot file: %w", err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil && err == nil {
						err = fmt.Errorf("failed to close snapshot file: %w", cerr)
					}
				}()
				n, err := svc.Export(ctx, f)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", n, args[0])
				return nil
			})
		},
	}
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Add every record of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, svc service.KnowledgeService) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open snapshot file: %w", err)
				}
				defer func() { _ = f.Close() }()
				n, err := svc.Import(ctx, f)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// preview shortens s to n runes on a single line.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
