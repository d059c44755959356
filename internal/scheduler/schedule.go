package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/metrics"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// slot returns the scheduled time on now's calendar day in the schedule's zone.
func slot(sc config.ScheduleConfig, now time.Time) (time.Time, *time.Location, error) {
	tz := sc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, nil, config.Errorf("schedule timezone %q: %v", tz, err)
	}
	hm, err := time.Parse("15:04", sc.Time)
	if err != nil {
		return time.Time{}, nil, config.Errorf("schedule time %q: %v", sc.Time, err)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), loc, nil
}

func (s *Scheduler) loadCursors() (map[string]store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Cursors == nil {
		out := make(map[string]store.Cursor, len(s.cursors))
		for k, v := range s.cursors {
			out[k] = v
		}
		return out, nil
	}
	return s.opts.Cursors.Load()
}

func (s *Scheduler) saveCursor(name string, c store.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Cursors == nil {
		s.cursors[name] = c
		return nil
	}
	return s.opts.Cursors.Save(name, c)
}

// RunDue runs every connector whose daily slot has passed and that has not run
// since. Each runs from its cursor, or from yesterday when it has none; the
// cursor advances only when the connector succeeded.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) ([]*RunReport, error) {
	cursors, err := s.loadCursors()
	if err != nil {
		return nil, err
	}
	var reports []*RunReport
	for _, c := range s.opts.Connectors {
		name := c.Name()
		sc, ok := s.opts.Schedules[name]
		if !ok || sc.Time == "" {
			continue
		}
		at, loc, err := slot(sc, now)
		if err != nil {
			return reports, err
		}
		cur := cursors[name]
		if now.Before(at) || !cur.LastRun.Before(at) {
			continue
		}
		today := model.DateOf(now.In(loc))
		since := cur.LastSuccess
		if since.IsZero() {
			since = today.AddDays(-1)
		}
		rep, err := s.RunConnector(ctx, name, since)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)

		cur.LastRun = now.UTC()
		cur.LastStatus = rep.Connectors[name].Status
		if cur.LastStatus == StatusSuccess {
			cur.LastSuccess = today
		}
		if err := s.saveCursor(name, cur); err != nil {
			return reports, fmt.Errorf("save cursor %s: %w", name, err)
		}
		log.WithFields(log.Fields{"connector": name, "status": cur.LastStatus, "next_since": cur.LastSuccess.String()}).Info("scheduled run done")
	}
	return reports, nil
}

// Serve calls RunDue every interval until ctx ends.
func (s *Scheduler) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	tick := func() {
		reps, err := s.RunDue(ctx, s.opts.Now())
		if err != nil {
			log.WithError(err).Error("scheduled run failed")
		}
		if len(reps) > 0 {
			log.WithField("metrics", metrics.Dump()).Debug("metrics snapshot")
		}
	}
	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Info("scheduler stopping")
			return nil
		case <-ticker.C:
			tick()
		}
	}
}
