package scope

import (
	"context"
	"fmt"
	"time"
)

// observeJob captures a job event. Job runs are not tied to an inbound
// request: when the context carries an open batch, the transition joins it,
// which is how RunJob threads a whole run into one batch. Otherwise the
// event gets a dedicated batch, committed immediately.
func (c *Collector) observeJob(ctx context.Context, ev JobEvent) {
	if _, ok := c.watchers[EntryTypeJob]; !ok {
		return // job capture not enabled
	}

	if h, ok := maybeGetBatch(ctx); ok && !h.lb.stale(h.gen) {
		c.observe(ctx, h, ev)
		return
	}

	jctx, _ := c.beginNew(ctx)
	h, _ := maybeGetBatch(jctx)
	c.observe(jctx, h, ev)
	c.Commit(jctx)
}

// RunJob runs fn as one named background job run. A dedicated batch receives
// one job entry per status transition (pending, running, then completed or
// failed) and is committed when the run ends, so the dashboard sees a run's
// full history under a single batch ID. A panic inside fn marks the run
// failed and is returned as an error rather than re-raised, because there is
// no host handler above a background job to serve it to.
func RunJob(ctx context.Context, c *Collector, name string, fn func(context.Context) error) error {
	created := time.Now()

	jctx, _ := c.beginNew(ctx)

	c.Observe(jctx, JobEvent{
		Name:    name,
		Status:  JobPending,
		Created: created,
	})

	started := time.Now()
	c.Observe(jctx, JobEvent{
		Name:    name,
		Status:  JobRunning,
		Created: created,
		Started: started,
	})

	err := runJobFunc(jctx, fn)

	var (
		completed = time.Now()
		status    = JobCompleted
		errText   string
	)
	if err != nil {
		status = JobFailed
		errText = err.Error()
	}
	c.Observe(jctx, JobEvent{
		Name:      name,
		Status:    status,
		Created:   created,
		Started:   started,
		Completed: completed,
		Error:     errText,
	})

	c.Commit(jctx)

	return err
}

// runJobFunc invokes fn, converting a panic into an error.
func runJobFunc(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("job panic: %v", x)
		}
	}()
	return fn(ctx)
}
