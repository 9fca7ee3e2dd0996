package schedule

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/keepmind9/miraibot/internal/logger"
)

// Unit is the interval unit of a job
type Unit int

const (
	unset Unit = iota
	Seconds
	Minutes
	Hours
	Days
	Weeks
)

// String returns the unit name
func (u Unit) String() string {
	switch u {
	case Seconds:
		return "seconds"
	case Minutes:
		return "minutes"
	case Hours:
		return "hours"
	case Days:
		return "days"
	case Weeks:
		return "weeks"
	default:
		return "unset"
	}
}

func (u Unit) duration() time.Duration {
	switch u {
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	case Weeks:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// JobFunc is the callback of a scheduled job
type JobFunc func(ctx context.Context) error

type clock struct {
	hour, minute, second int
}

// Job is a recurring callback. Build it with Scheduler.Every or
// Scheduler.Cron and register it with Do.
type Job struct {
	s *Scheduler

	name     string
	interval int
	unit     Unit
	at       *clock
	weekday  *time.Weekday
	cron     string
	err      error

	fn      JobFunc
	lastRun time.Time
	nextRun time.Time
}

// Name sets the name used in logs
func (j *Job) Name(name string) *Job {
	j.name = name
	return j
}

func (j *Job) setUnit(u Unit, plural bool) *Job {
	if plural == (j.interval == 1) {
		logger.ForComponent("scheduler").WithField("interval", j.interval).
			Debugf("unit-form-mismatch: prefer %s", unitForm(u, j.interval))
	}
	j.unit = u
	return j
}

func unitForm(u Unit, interval int) string {
	name := u.String()
	if interval == 1 {
		return strings.TrimSuffix(name, "s")
	}
	return name
}

func (j *Job) Second() *Job  { return j.setUnit(Seconds, false) }
func (j *Job) Seconds() *Job { return j.setUnit(Seconds, true) }
func (j *Job) Minute() *Job  { return j.setUnit(Minutes, false) }
func (j *Job) Minutes() *Job { return j.setUnit(Minutes, true) }
func (j *Job) Hour() *Job    { return j.setUnit(Hours, false) }
func (j *Job) Hours() *Job   { return j.setUnit(Hours, true) }
func (j *Job) Day() *Job     { return j.setUnit(Days, false) }
func (j *Job) Days() *Job    { return j.setUnit(Days, true) }
func (j *Job) Week() *Job    { return j.setUnit(Weeks, false) }
func (j *Job) Weeks() *Job   { return j.setUnit(Weeks, true) }

// Weekday anchors a weekly job to d
func (j *Job) Weekday(d time.Weekday) *Job {
	j.weekday = &d
	j.unit = Weeks
	return j
}

func (j *Job) Monday() *Job    { return j.Weekday(time.Monday) }
func (j *Job) Tuesday() *Job   { return j.Weekday(time.Tuesday) }
func (j *Job) Wednesday() *Job { return j.Weekday(time.Wednesday) }
func (j *Job) Thursday() *Job  { return j.Weekday(time.Thursday) }
func (j *Job) Friday() *Job    { return j.Weekday(time.Friday) }
func (j *Job) Saturday() *Job  { return j.Weekday(time.Saturday) }
func (j *Job) Sunday() *Job    { return j.Weekday(time.Sunday) }

// At anchors the job to a time of day given as "hh:mm:ss". Parts may be
// left out: "20" is 20:00:00, ":12:34" is 00:12:34 and "::30" is 00:00:30.
// Only the parts meaningful for the unit are applied; a seconds job
// ignores the anchor entirely.
func (j *Job) At(s string) *Job {
	c, err := parseClock(s)
	if err != nil {
		j.err = err
		return j
	}
	j.at = &c
	return j
}

func parseClock(s string) (clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return clock{}, fmt.Errorf("invalid time %q: too many parts", s)
	}

	var vals [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return clock{}, fmt.Errorf("invalid time %q: %w", s, err)
		}
		if v < 0 || v > limits[i] {
			return clock{}, fmt.Errorf("invalid time %q: %d out of range", s, v)
		}
		vals[i] = v
	}
	return clock{hour: vals[0], minute: vals[1], second: vals[2]}, nil
}

// Do registers the job with its scheduler
func (j *Job) Do(fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %q: nil callback", j.name)
	}
	if j.err != nil {
		return nil, j.err
	}
	if j.cron != "" {
		if !gronx.New().IsValid(j.cron) {
			return nil, fmt.Errorf("invalid cron expression %q", j.cron)
		}
	} else {
		if j.interval < 1 {
			return nil, fmt.Errorf("job %q: interval must be positive, got %d", j.name, j.interval)
		}
		if j.unit == unset {
			return nil, fmt.Errorf("job %q: no interval unit", j.name)
		}
		if int64(j.interval) > math.MaxInt64/int64(j.unit.duration()) {
			return nil, fmt.Errorf("job %q: interval %d %s is too long", j.name, j.interval, j.unit)
		}
	}

	j.fn = fn
	if j.name == "" {
		j.name = j.describe()
	}
	if err := j.s.add(j); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Job) describe() string {
	if j.cron != "" {
		return "cron(" + j.cron + ")"
	}
	return fmt.Sprintf("every %d %s", j.interval, j.unit)
}

// first resolves the anchors into the first run after now
func (j *Job) first(now time.Time) (time.Time, error) {
	if j.cron != "" {
		return gronx.NextTickAfter(j.cron, now, false)
	}

	next := now.Truncate(time.Second)
	if j.unit == Weeks && j.weekday != nil {
		days := (int(*j.weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
	}
	if j.at != nil {
		y, mo, d := next.Date()
		h, mi, _ := next.Clock()
		switch j.unit {
		case Minutes:
			next = time.Date(y, mo, d, h, mi, j.at.second, 0, next.Location())
		case Hours:
			next = time.Date(y, mo, d, h, j.at.minute, j.at.second, 0, next.Location())
		case Days, Weeks:
			next = time.Date(y, mo, d, j.at.hour, j.at.minute, j.at.second, 0, next.Location())
		}
	}
	return j.advance(next, now)
}

// advance moves from by whole intervals until it is after now
func (j *Job) advance(from, now time.Time) (time.Time, error) {
	if j.cron != "" {
		return gronx.NextTickAfter(j.cron, now, false)
	}
	if from.After(now) {
		return from, nil
	}
	if days := j.calendarDays(); days > 0 {
		return advanceDays(from, now, days), nil
	}
	step := time.Duration(j.interval) * j.unit.duration()
	n := now.Sub(from)/step + 1
	return from.Add(n * step), nil
}

// calendarDays is the interval in days for day and week jobs, 0 otherwise
func (j *Job) calendarDays() int {
	switch j.unit {
	case Days:
		return j.interval
	case Weeks:
		return 7 * j.interval
	default:
		return 0
	}
}

// advanceDays steps from by whole calendar days so the wall-clock time is
// kept across DST changes. The estimate from the elapsed duration is off
// by at most one step.
func advanceDays(from, now time.Time, days int) time.Time {
	n := int(now.Sub(from) / (24 * time.Hour) / time.Duration(days))
	for n > 0 && from.AddDate(0, 0, (n-1)*days).After(now) {
		n--
	}
	next := from.AddDate(0, 0, n*days)
	for !next.After(now) {
		next = next.AddDate(0, 0, days)
	}
	return next
}

// JobInfo is a snapshot of a registered job
type JobInfo struct {
	Name    string    `json:"name"`
	LastRun time.Time `json:"last_run"`
	NextRun time.Time `json:"next_run"`
}
