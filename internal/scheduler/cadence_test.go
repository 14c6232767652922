package scheduler

import (
	"testing"
	"time"

	"kore/engine/pkg/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDueOnDaily(t *testing.T) {
	rule := &models.DebitRule{Frequency: models.FrequencyDaily, StartDate: date(2026, time.January, 1)}
	for d := 1; d <= 7; d++ {
		if !DueOn(rule, date(2026, time.February, d), nil) {
			t.Errorf("daily rule should be due on 2026-02-%02d", d)
		}
	}
}

func TestDueOnWeekly(t *testing.T) {
	// 2026-01-05 is a Monday
	rule := &models.DebitRule{Frequency: models.FrequencyWeekly, StartDate: date(2026, time.January, 5)}

	if !DueOn(rule, date(2026, time.January, 12), nil) {
		t.Error("weekly rule should fire the following Monday")
	}
	if !DueOn(rule, date(2026, time.March, 2), nil) {
		t.Error("weekly rule should fire on Mondays months later")
	}
	if DueOn(rule, date(2026, time.January, 13), nil) {
		t.Error("weekly rule should not fire on a Tuesday")
	}
}

func TestDueOnMonthlyClamped(t *testing.T) {
	rule := &models.DebitRule{Frequency: models.FrequencyMonthly, StartDate: date(2026, time.January, 31)}

	tests := []struct {
		day  time.Time
		want bool
	}{
		{date(2026, time.February, 28), true},  // 2026 is not a leap year
		{date(2026, time.February, 27), false},
		{date(2026, time.March, 31), true},
		{date(2026, time.March, 30), false},
		{date(2026, time.April, 30), true}, // April has 30 days
		{date(2026, time.April, 29), false},
		{date(2028, time.February, 29), true}, // leap year clamps to the 29th
		{date(2028, time.February, 28), false},
	}

	for _, tt := range tests {
		if got := DueOn(rule, tt.day, nil); got != tt.want {
			t.Errorf("DueOn(monthly 31st, %s) = %v, want %v", tt.day.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestDueOnMonthlyMidMonth(t *testing.T) {
	rule := &models.DebitRule{Frequency: models.FrequencyMonthly, StartDate: date(2026, time.January, 15)}

	if !DueOn(rule, date(2026, time.February, 15), nil) {
		t.Error("monthly rule should fire on the 15th")
	}
	if DueOn(rule, date(2026, time.February, 28), nil) {
		t.Error("monthly mid-month rule should not fire at month end")
	}
}

func TestDueOnCustom(t *testing.T) {
	rule := &models.DebitRule{Frequency: models.FrequencyCustom, StartDate: date(2026, time.January, 1)}

	if DueOn(rule, date(2026, time.January, 10), nil) {
		t.Error("custom frequency without a cadence func should never fire")
	}

	evenDays := func(_ *models.DebitRule, day time.Time) bool {
		return day.Day()%2 == 0
	}
	if !DueOn(rule, date(2026, time.January, 10), evenDays) {
		t.Error("custom cadence should fire on even days")
	}
	if DueOn(rule, date(2026, time.January, 11), evenDays) {
		t.Error("custom cadence should not fire on odd days")
	}
}
