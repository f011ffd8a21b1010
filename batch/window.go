package batch

import "time"

// Business window for scheduled runs: weekdays 09:00-17:00 in the service
// timezone. The end of the window is exclusive, so the last scheduled run of
// the day is the one starting at 16:xx.
const (
	windowOpenHour  = 9
	windowCloseHour = 17
)

// InBusinessWindow reports whether t falls on a weekday inside the business
// window, evaluated in loc.
func InBusinessWindow(t time.Time, loc *time.Location) bool {
	local := t.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	case time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday:
	}

	hour := local.Hour()
	return hour >= windowOpenHour && hour < windowCloseHour
}
