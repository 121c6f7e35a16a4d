package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/epochmq/internal/types"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as "@hourly" or "@every 90s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// IsSchedulable reports whether m must go through the scheduled set instead
// of straight to pending.
func IsSchedulable(m *types.Message) bool {
	d := m.Schedule
	return d.CRON != "" || d.Delay > 0 || d.Repeat > 0
}

// IsPeriodic reports whether m fires more than once. A delay alone is a
// one-shot.
func IsPeriodic(m *types.Message) bool {
	return m.Schedule.CRON != "" || m.Schedule.Repeat > 0
}

// ValidateDirectives rejects directives the scheduler cannot evaluate.
func ValidateDirectives(d types.Directives) error {
	if d.Delay < 0 || d.Period < 0 || d.Repeat < 0 {
		return fmt.Errorf("%w: delay, period and repeat must not be negative", types.ErrInvariantViolation)
	}
	if d.CRON != "" {
		if _, err := cronParser.Parse(d.CRON); err != nil {
			return fmt.Errorf("%w: cron %q: %v", types.ErrInvariantViolation, d.CRON, err)
		}
	}
	return nil
}

// Next computes when a message with directives d and state s fires next,
// evaluated at now. It returns the updated state and the fire timestamp in
// UTC milliseconds, or 0 when the message has no further firing.
//
// Rules, in order:
//  1. An unfired delay wins and fires once at now+delay.
//  2. cronTs is the next cron occurrence after now; repeatTs is now+period
//     while repeats remain.
//  3. With both, repeatTs is chosen only when it precedes cronTs and cron
//     already fired; repeats run between cron ticks.
//  4. Otherwise a cron tick fires and restarts the repeat cycle.
//  5. Otherwise a repeat fires.
//
// Next is pure: s is never modified in place.
func Next(d types.Directives, s types.ScheduleState, now time.Time) (types.ScheduleState, int64, error) {
	nowMs := now.UnixMilli()

	if d.Delay > 0 && !s.Delayed {
		s.Delayed = true
		return s, nowMs + d.Delay, nil
	}

	var (
		cronTs, repeatTs   int64
		hasCron, hasRepeat bool
	)
	if d.CRON != "" {
		sched, err := cronParser.Parse(d.CRON)
		if err != nil {
			return s, 0, fmt.Errorf("%w: cron %q: %v", types.ErrInvariantViolation, d.CRON, err)
		}
		if t := sched.Next(now); !t.IsZero() {
			cronTs, hasCron = t.UnixMilli(), true
		}
	}
	if d.Repeat > 0 && s.RepeatCount+1 <= d.Repeat {
		repeatTs, hasRepeat = nowMs+d.Period, true
	}

	switch {
	case hasCron && hasRepeat && repeatTs < cronTs && s.CronFired:
		s.RepeatCount++
		return s, repeatTs, nil
	case hasCron:
		s.RepeatCount = 0
		s.CronFired = true
		return s, cronTs, nil
	case hasRepeat:
		s.RepeatCount++
		return s, repeatTs, nil
	}
	return s, 0, nil
}
