package delivery

import "time"

var DefaultRetrySchedule = []time.Duration{
	10 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
}

// NextRetryTime returns when retry number nRetries should run. nRetries is
// 1-indexed; schedules shorter than the retry count repeat their last entry,
// so the backoff never shrinks.
func NextRetryTime(now time.Time, nRetries int, schedule []time.Duration) time.Time {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := nRetries - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return now.Add(schedule[idx])
}
