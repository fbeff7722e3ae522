package calendar

import "testing"

func TestDaysFromEpochRoundTrip(t *testing.T) {
	for year := 1970; year <= 2099; year++ {
		for month := 1; month <= 12; month++ {
			dim := int(DaysInMonth(year, month))
			for _, day := range []int{1, dim} {
				days := DaysFromEpoch(year, month, day)
				gy, gm, gd := CivilFromDays(days)
				if gy != year || gm != month || gd != day {
					t.Fatalf("round trip %04d-%02d-%02d -> %d -> %04d-%02d-%02d", year, month, day, days, gy, gm, gd)
				}
			}
		}
	}
}

func TestIsLeap(t *testing.T) {
	cases := map[int]bool{
		2000: true,
		1900: false,
		2024: true,
		2023: false,
		2400: true,
	}
	for year, want := range cases {
		if got := IsLeap(year); got != want {
			t.Errorf("IsLeap(%d) = %v, want %v", year, got, want)
		}
	}
}

func TestDayOfWeek(t *testing.T) {
	// 2024-01-01 is a Monday.
	if got := DayOfWeek(2024, 1, 1); got != 1 {
		t.Errorf("DayOfWeek(2024,1,1) = %d, want 1 (Monday)", got)
	}
	// 2024-07-04 is a Thursday.
	if got := DayOfWeek(2024, 7, 4); got != 4 {
		t.Errorf("DayOfWeek(2024,7,4) = %d, want 4 (Thursday)", got)
	}
}

func TestNthWeekdayOfMonth(t *testing.T) {
	// July 2024: Fridays are 5, 12, 19, 26.
	if got := NthWeekdayOfMonth(2024, 7, 1, 5); got != 5 {
		t.Errorf("1st Friday of July 2024 = %d, want 5", got)
	}
	if got := NthWeekdayOfMonth(2024, 7, -1, 5); got != 26 {
		t.Errorf("last Friday of July 2024 = %d, want 26", got)
	}
	if got := NthWeekdayOfMonth(2024, 7, 5, 5); got != 26 {
		t.Errorf("5th(=last) Friday of July 2024 = %d, want 26 (fallback to 4th)", got)
	}
	// February 2024 has no 5th Sunday.
	if got := NthWeekdayOfMonth(2024, 2, -5, 0); got != 0 {
		t.Errorf("5th-from-end Sunday of Feb 2024 = %d, want 0", got)
	}
}

func TestDateToInstant(t *testing.T) {
	// 2024-01-15T15:00:00Z corresponds to DaysFromEpoch(2024,1,15)*86400 + 15*3600.
	got := DateToInstant(2024, 1, 15, 15, 0, 0)
	want := DaysFromEpoch(2024, 1, 15)*SecondsPerDay + 15*3600
	if got != want {
		t.Errorf("DateToInstant = %d, want %d", got, want)
	}
}
