package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopeweb"
)

type searchConfig struct {
	*rootConfig

	limit          int
	cursor         string
	includeRequest bool
}

func (cfg *searchConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'n', LongName: "limit" /*            */, Value: ffval.NewValueDefault(&cfg.limit, 10) /* */, Usage: "maximum number of entries to return"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "cursor" /*           */, Value: ffval.NewValue(&cfg.cursor) /*           */, Usage: "resume from a previous response's cursor (single URI only)"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "include-request" /*  */, Value: ffval.NewValue(&cfg.includeRequest) /*   */, Usage: "include scan request in output", NoDefault: true})
}

func (cfg *searchConfig) Exec(ctx context.Context, args []string) error {
	if err := cfg.requireURIs(); err != nil {
		return err
	}

	if cfg.cursor != "" && len(cfg.uris) > 1 {
		return fmt.Errorf("--cursor works against a single URI only")
	}

	client := cfg.newHTTPClient()

	var scanner scope.MultiScanner
	for _, uri := range cfg.uris {
		scanner = append(scanner, scopeweb.NewClient(client, uri))
	}

	req := &scope.ScanRequest{
		Filter: cfg.filter,
		Cursor: cfg.cursor,
		Limit:  cfg.limit,
	}

	cfg.debug.Printf("request: filter: %s", cfg.filter)
	cfg.debug.Printf("request: limit: %d", cfg.limit)

	var (
		res *scope.ScanResponse
		err error
	)
	if len(scanner) == 1 {
		// A single instance keeps its cursor, so pages can be resumed.
		res, err = scanner[0].Scan(ctx, req)
	} else {
		res, err = scanner.Scan(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("execute scan: %w", err)
	}

	cfg.debug.Printf("response: sources: %d (%s)", len(res.Sources), strings.Join(res.Sources, " "))
	cfg.debug.Printf("response: total: %d", res.TotalCount)
	cfg.debug.Printf("response: matched: %d", res.MatchCount)
	cfg.debug.Printf("response: returned: %d", len(res.Entries))
	cfg.debug.Printf("response: duration: %s", res.Duration)

	for _, problem := range res.Problems {
		cfg.info.Printf("problem: %s", problem)
	}

	if !cfg.includeRequest {
		res.Request = nil
	}

	return cfg.writeResult(res)
}

func (cfg *searchConfig) writeResult(res *scope.ScanResponse) error {
	switch cfg.output {
	case "text", "":
		for _, e := range res.Entries {
			fmt.Fprintln(cfg.stdout, entryText(e))
		}
		if res.Cursor != "" {
			cfg.info.Printf("next page: --cursor %s", res.Cursor)
		}
		return nil

	case "prettyjson":
		enc := json.NewEncoder(cfg.stdout)
		enc.SetIndent("", "    ")
		return enc.Encode(res)

	default: // ndjson
		enc := json.NewEncoder(cfg.stdout)
		for _, e := range res.Entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
}
