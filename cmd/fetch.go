package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloader"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
)

type fetchOptions struct {
	date     string
	checksum string
	quiet    bool
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Download one archive into the artifact root",
		Long: `Download one archive from the configured sources into the artifact root,
verifying its checksum when one is given. The installed path and the source
that served it are printed on success.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), root, opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.date, "date", "", "archive publication timestamp (RFC 3339)")
	cmd.Flags().StringVar(&opts.checksum, "checksum", "", `expected checksum ("sha256:<hex>" or "blake3:<hex>")`)
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func runFetch(ctx context.Context, root *rootOptions, opts *fetchOptions, id string, out, errOut io.Writer) error {
	cfg, log, err := loadConfig(root)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dl, err := newDownloader(cfg, log, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		return err
	}

	job := dl.Start(ctx, downloader.Artifact{ID: id, Date: opts.date, Checksum: opts.checksum})
	for p := range job.Progress() {
		if !opts.quiet {
			_, _ = fmt.Fprintf(errOut, "\r%-12s %s", p.Source, formatProgress(p))
		}
	}
	if !opts.quiet {
		_, _ = fmt.Fprintln(errOut)
	}

	res, err := job.Result()
	if err != nil {
		return fmt.Errorf("fetch %s: %w", id, err)
	}
	_, err = fmt.Fprintf(out, "%s\t%s\n", res.Path, res.Source)
	return err
}

func formatProgress(p downloader.Progress) string {
	if p.BytesTotal == nil || *p.BytesTotal <= 0 {
		return formatBytes(p.BytesDone)
	}
	pct := p.BytesDone * 100 / *p.BytesTotal
	return fmt.Sprintf("%s / %s (%d%%)", formatBytes(p.BytesDone), formatBytes(*p.BytesTotal), min(pct, 100))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
