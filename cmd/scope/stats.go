package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopeweb"
)

type statsConfig struct {
	*rootConfig
}

func (cfg *statsConfig) Exec(ctx context.Context, args []string) error {
	if err := cfg.requireURIs(); err != nil {
		return err
	}

	client := cfg.newHTTPClient()

	for _, uri := range cfg.uris {
		stats, err := scopeweb.NewClient(client, uri).Stats(ctx)
		if err != nil {
			return fmt.Errorf("%s: stats: %w", uri, err)
		}
		if err := cfg.writeStats(uri, stats); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *statsConfig) writeStats(uri string, stats scope.StoreStats) error {
	switch cfg.output {
	case "ndjson", "prettyjson":
		enc := json.NewEncoder(cfg.stdout)
		if cfg.output == "prettyjson" {
			enc.SetIndent("", "    ")
		}
		return enc.Encode(map[string]any{"uri": uri, "stats": stats})

	default: // text
		fmt.Fprintf(cfg.stdout, "%s\n", uri)
		fmt.Fprintf(cfg.stdout, "  entries:     %s of %s\n", humanize.Comma(int64(stats.EntryCount)), humanize.Comma(int64(stats.Capacity)))
		fmt.Fprintf(cfg.stdout, "  batches:     %s\n", humanize.Comma(int64(stats.BatchCount)))

		types := make([]scope.EntryType, 0, len(stats.EntriesByType))
		for t := range stats.EntriesByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			fmt.Fprintf(cfg.stdout, "  %-12s %s\n", string(t)+":", humanize.Comma(int64(stats.EntriesByType[t])))
		}

		if !stats.Oldest.IsZero() {
			fmt.Fprintf(cfg.stdout, "  oldest:      %s\n", humanize.Time(stats.Oldest))
			fmt.Fprintf(cfg.stdout, "  newest:      %s\n", humanize.Time(stats.Newest))
		}
		fmt.Fprintf(cfg.stdout, "  evictions:   %s\n", humanize.Comma(int64(stats.Evictions)))
		fmt.Fprintf(cfg.stdout, "  subscribers: %d\n", stats.Subscribers)
		return nil
	}
}
