package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/scopekit/scope/scopeweb"
)

type purgeConfig struct {
	*rootConfig
}

func (cfg *purgeConfig) Exec(ctx context.Context, args []string) error {
	if err := cfg.requireURIs(); err != nil {
		return err
	}

	client := cfg.newHTTPClient()

	for _, uri := range cfg.uris {
		stats, err := scopeweb.NewClient(client, uri).Purge(ctx)
		if err != nil {
			return fmt.Errorf("%s: purge: %w", uri, err)
		}
		fmt.Fprintf(cfg.stdout, "%s: purged %s batches, %s entries\n",
			uri, humanize.Comma(int64(stats.Batches)), humanize.Comma(int64(stats.Entries)))
	}

	return nil
}
