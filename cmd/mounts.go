package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/mounts"
)

const mountsRequestTimeout = 10 * time.Second

type mountsResponse struct {
	Mounts []mounts.Info `json:"mounts"`
	Count  int           `json:"count"`
}

func newMountsCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "mounts",
		Short: "List archives mounted on a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := fetchMounts(cmd.Context(), http.DefaultClient, server)
			if err != nil {
				return err
			}
			renderMounts(cmd.OutOrStdout(), list, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:22500", "gateway base URL")
	return cmd
}

func fetchMounts(ctx context.Context, client *http.Client, server string) ([]mounts.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, mountsRequestTimeout)
	defer cancel()

	endpoint := strings.TrimRight(server, "/") + "/api/v1/mounts"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list mounts: unexpected status %s", resp.Status)
	}
	var body mountsResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode mounts: %w", err)
	}
	return body.Mounts, nil
}

func renderMounts(w io.Writer, list []mounts.Info, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Archive", "Entries", "Mounted"})
	for _, m := range list {
		t.AppendRow(table.Row{
			m.ID,
			m.ArchivePath,
			m.EntryCount,
			now.Sub(m.MountedAt).Round(time.Second).String() + " ago",
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(list), ""})
	t.Render()
}
