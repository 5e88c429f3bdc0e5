package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/scopekit/scope"
)

func contextSleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// entryText renders one entry as a single terminal line.
func entryText(e scope.Entry) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %-9s", humanize.Time(e.When), e.Type)
	if len(e.Tags) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(e.Tags, ","))
	}
	fmt.Fprintf(&sb, " %s", strings.TrimSpace(e.Payload.Text()))

	return sb.String()
}
