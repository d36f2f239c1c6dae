// Package sched drives the engine forward in the background: a cron-based
// sweeper periodically runs every Running instance so due timers fire and
// runnable fibers advance without an external caller.
package sched

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalproc/runtime"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseCronExpressionUTC parses a standard five-field cron expression.
// Timezone prefixes are rejected: all schedules run in UTC.
func ParseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("sched: cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("sched: cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("sched: invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextCronRunUTC returns the next fire time of a cron expression after now.
func NextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := ParseCronExpressionUTC(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

// Sweeper periodically sweeps all Running instances, ticking each until it
// goes idle or terminal. One sweep interval is the upper bound on timer
// firing latency.
type Sweeper struct {
	engine   *runtime.Engine
	interval time.Duration
	schedule cron.Schedule

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewSweeper creates a sweeper over the engine. Interval must be positive.
func NewSweeper(engine *runtime.Engine, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sched: sweep interval must be positive, got %s", interval)
	}
	return &Sweeper{engine: engine, interval: interval}, nil
}

// NewCronSweeper creates a sweeper that fires on a five-field UTC cron
// expression instead of a fixed interval.
func NewCronSweeper(engine *runtime.Engine, expr string) (*Sweeper, error) {
	schedule, err := ParseCronExpressionUTC(expr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{engine: engine, schedule: schedule}, nil
}

// Start schedules the sweep loop. It is an error to start a running sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sched: sweeper already started")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	job := cron.FuncJob(func() {
		if err := s.SweepOnce(ctx); err != nil {
			log.Printf("sched: sweep: %v", err)
		}
	})
	if s.schedule != nil {
		s.entryID = c.Schedule(s.schedule, job)
	} else {
		entryID, err := c.AddJob(fmt.Sprintf("@every %s", s.interval), job)
		if err != nil {
			return fmt.Errorf("sched: schedule sweep: %w", err)
		}
		s.entryID = entryID
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// SweepOnce advances every Running instance until idle or terminal.
// Errors on individual instances do not stop the sweep; the first error is
// returned after all instances have been visited.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	ids, err := s.engine.RunnableInstances(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.engine.Advance(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sched: instance %s: %w", id, err)
		}
	}
	return firstErr
}
