package scheduler

import (
	"time"

	"kore/engine/pkg/models"
)

// CadenceFunc decides whether a rule is due on a given day. CUSTOM
// frequency rules delegate to one of these, registered at construction.
type CadenceFunc func(rule *models.DebitRule, day time.Time) bool

// DueOn reports whether a rule fires on day. The rule's date window is
// checked by the caller's query; this only answers the cadence question.
//
// WEEKLY fires on the same weekday as start_date. MONTHLY fires on the
// same day-of-month, clamped to the last day of shorter months, so a
// rule started on the 31st fires on Feb 28 (or 29) rather than never.
func DueOn(rule *models.DebitRule, day time.Time, custom CadenceFunc) bool {
	switch rule.Frequency {
	case models.FrequencyDaily:
		return true
	case models.FrequencyWeekly:
		return day.Weekday() == rule.StartDate.Weekday()
	case models.FrequencyMonthly:
		target := rule.StartDate.Day()
		if last := lastDayOfMonth(day); target > last {
			target = last
		}
		return day.Day() == target
	case models.FrequencyCustom:
		if custom == nil {
			return false
		}
		return custom(rule, day)
	}
	return false
}

func lastDayOfMonth(day time.Time) int {
	firstOfNext := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
