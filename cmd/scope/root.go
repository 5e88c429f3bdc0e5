package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/unixtransport"

	"github.com/scopekit/scope"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uris     []string
	uriPath  string
	logLevel string
	output   string

	types   []string
	tags    []string
	ids     []string
	batchID string
	from    string
	to      string
	query   string

	filter scope.Filter

	info, debug *log.Logger
}

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewUniqueList(&cfg.uris),
		Usage:       "server instance URI e.g. 'localhost:8080' (repeatable)",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "uri-path",
		Value:       ffval.NewValue(&cfg.uriPath),
		Usage:       "if set, override every server instance URI path with this one",
		Placeholder: "PATH",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n"),
		Usage:       "log level: i/info, d/debug, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "text", "ndjson", "prettyjson"),
		Usage:       "output format: text, ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

func (cfg *rootConfig) registerFilterFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   't',
		LongName:    "type",
		Value:       ffval.NewList(&cfg.types),
		Usage:       "entry type: request, query, log, exception, job (repeatable)",
		Placeholder: "TYPE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "tag",
		Value:       ffval.NewList(&cfg.tags),
		Usage:       "required tag, all must be present (repeatable)",
		Placeholder: "TAG",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "id",
		Value:       ffval.NewList(&cfg.ids),
		Usage:       "entry ID (repeatable)",
		Placeholder: "ID",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'b',
		LongName:    "batch",
		Value:       ffval.NewValue(&cfg.batchID),
		Usage:       "batch ID",
		Placeholder: "ID",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "from",
		Value:       ffval.NewValue(&cfg.from),
		Usage:       "lower time bound, RFC 3339",
		Placeholder: "TIME",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "to",
		Value:       ffval.NewValue(&cfg.to),
		Usage:       "upper time bound, RFC 3339",
		Placeholder: "TIME",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'q',
		LongName:    "query",
		Value:       ffval.NewValue(&cfg.query),
		Usage:       "regexp matched against entry text and tags",
		Placeholder: "REGEXP",
	})
}

// buildFilter converts the filter flags into a normalized scope filter.
func (cfg *rootConfig) buildFilter() error {
	f := scope.Filter{
		Tags:    cfg.tags,
		IDs:     cfg.ids,
		BatchID: cfg.batchID,
		Query:   cfg.query,
	}

	for _, s := range cfg.types {
		t, err := scope.ParseEntryType(s)
		if err != nil {
			return err
		}
		f.Types = append(f.Types, t)
	}

	if cfg.from != "" {
		t, err := time.Parse(time.RFC3339, cfg.from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		f.From = t
	}

	if cfg.to != "" {
		t, err := time.Parse(time.RFC3339, cfg.to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		f.To = t
	}

	if errs := f.Normalize(); len(errs) > 0 {
		return errs[0]
	}

	cfg.filter = f
	return nil
}

func (cfg *rootConfig) requireURIs() error {
	if len(cfg.uris) <= 0 {
		return fmt.Errorf("at least one URI is required")
	}
	return nil
}

// newHTTPClient returns a client that also speaks http+unix:// URIs.
func (cfg *rootConfig) newHTTPClient() *http.Client {
	transport := &http.Transport{}
	unixtransport.Register(transport)
	return &http.Client{Transport: transport}
}
