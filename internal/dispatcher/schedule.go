package dispatcher

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule strings accept three forms:
//   - cron expressions and descriptors: "*/5 * * * *", "@hourly", "@every 90s"
//   - Go durations: "5m", "1h30m"
//   - HH:MM intervals: "00:05" (five minutes), "24:00"
var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a schedule string into a cron.Schedule. Interval
// schedules get a random first-run delay (at most one interval, capped at
// maxStartupSpread) so jobs do not all fire right after start.
func ParseSchedule(raw string, now time.Time, tag string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@every") {
		if every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(s, "@every"))); err == nil && every > 0 {
			return spread(every, now, tag), nil
		}
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := parser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return sched, nil
	}
	every, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '5m')", raw)
	}
	return spread(every, now, tag), nil
}

func parseInterval(s string) (time.Duration, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", s)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval schedule, then
// delegates to it.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(jitter)}
}
