package ics

import (
	"testing"

	"epdcal/internal/calendar"
	"epdcal/internal/model"
)

// collectingSink records every accepted event for assertions.
type collectingSink struct {
	events []model.CalendarEvent
}

func (s *collectingSink) Accept(e model.CalendarEvent) {
	s.events = append(s.events, e)
}

func runFeed(t *testing.T, ics string, windowStart, windowEnd model.Instant, calendarColor string) []model.CalendarEvent {
	t.Helper()
	p := NewParser(nil)
	p.SetTimeWindow(windowStart, windowEnd)
	p.SetCalendarColor(calendarColor)
	sink := &collectingSink{}
	p.SetEventSink(sink)
	p.FeedData([]byte(ics))
	p.Finish()
	return sink.events
}

// window2024 spans the whole of 2024 UTC, as used throughout spec §8.
const (
	window2024Start model.Instant = 1704067200 // 2024-01-01T00:00:00Z
	window2024End   model.Instant = 1735689599 // 2024-12-31T23:59:59Z
)

func TestS1SimpleUTCEvent(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Standup\n" +
		"DTSTART:20240115T150000Z\n" +
		"DTEND:20240115T153000Z\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.StartTime != 1705330800 {
		t.Errorf("StartTime = %d, want 1705330800", ev.StartTime)
	}
	if ev.EndTime != 1705332600 {
		t.Errorf("EndTime = %d, want 1705332600", ev.EndTime)
	}
	if ev.AllDay {
		t.Errorf("AllDay = true, want false")
	}
}

func TestS2LocalTimeInDST(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Lunch\n" +
		"DTSTART;TZID=America/Chicago:20240715T090000\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].StartTime != 1721052000 {
		t.Errorf("StartTime = %d, want 1721052000", events[0].StartTime)
	}
}

func TestS3LocalTimeInSTD(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Standup\n" +
		"DTSTART;TZID=America/Chicago:20240115T090000\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].StartTime != 1705330800 {
		t.Errorf("StartTime = %d, want 1705330800", events[0].StartTime)
	}
}

func TestS4AllDayEvent(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Holiday\n" +
		"DTSTART;VALUE=DATE:20240704\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !events[0].AllDay {
		t.Errorf("AllDay = false, want true")
	}
	if events[0].StartTime != 1720051200 {
		t.Errorf("StartTime = %d, want 1720051200", events[0].StartTime)
	}
}

func TestS5WeeklyByDay(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Gym\n" +
		"DTSTART:20240101T140000Z\n" +
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR;COUNT=6\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	for _, ev := range events {
		day := ev.StartTime / 86400
		y, m, d := civilDayParts(day)
		wd := weekdayOf(y, m, d)
		if wd != 1 && wd != 3 && wd != 5 {
			t.Errorf("event on %04d-%02d-%02d has weekday %d, want Mon/Wed/Fri", y, m, d, wd)
		}
		if ev.StartTime < 1704117600 { // 2024-01-01T14:00:00Z
			t.Errorf("StartTime %d is before base start", ev.StartTime)
		}
	}
	last := events[len(events)-1]
	y, m, d := civilDayParts(last.StartTime / 86400)
	if y != 2024 || m != 1 || d != 12 {
		t.Errorf("last instance = %04d-%02d-%02d, want 2024-01-12", y, m, d)
	}
}

func TestS6MonthlyLastFridayWithExdate(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Review\n" +
		"DTSTART:20240126T180000Z\n" +
		"RRULE:FREQ=MONTHLY;BYDAY=-1FR;COUNT=12\n" +
		"EXDATE:20240726\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 11 {
		t.Fatalf("got %d events, want 11", len(events))
	}
	for _, ev := range events {
		y, m, d := civilDayParts(ev.StartTime / 86400)
		if y == 2024 && m == 7 && d == 26 {
			t.Errorf("EXDATE 2024-07-26 was emitted")
		}
	}
}

func TestS7RecurrenceIDOverride(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Sync\n" +
		"DTSTART:20240206T160000Z\n" +
		"RRULE:FREQ=WEEKLY;BYDAY=TU;COUNT=5\n" +
		"END:VEVENT\n" +
		"BEGIN:VEVENT\n" +
		"SUMMARY:Sync (moved)\n" +
		"RECURRENCE-ID:20240220\n" +
		"DTSTART:20240220T170000Z\n" +
		"END:VEVENT\n"

	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	var foundFeb20 bool
	for _, ev := range events {
		y, m, d := civilDayParts(ev.StartTime / 86400)
		if y == 2024 && m == 2 && d == 20 {
			foundFeb20 = true
			if ev.StartTime != 1708448400 { // 2024-02-20T17:00:00Z
				t.Errorf("Feb 20 instance StartTime = %d, want 1708448400 (17:00Z)", ev.StartTime)
			}
		}
	}
	if !foundFeb20 {
		t.Errorf("no instance found on 2024-02-20")
	}
}

func TestFeedDataChunkingEquivalence(t *testing.T) {
	full := "BEGIN:VEVENT\n" +
		"SUMMARY:Chunked\n" +
		"DTSTART:20240301T100000Z\n" +
		"END:VEVENT\n"

	whole := runFeed(t, full, window2024Start, window2024End, "")

	p := NewParser(nil)
	p.SetTimeWindow(window2024Start, window2024End)
	sink := &collectingSink{}
	p.SetEventSink(sink)
	mid := len(full) / 2
	p.FeedData([]byte(full[:mid]))
	p.FeedData([]byte(full[mid:]))
	p.Finish()

	if len(whole) != 1 || len(sink.events) != 1 {
		t.Fatalf("got %d/%d events, want 1/1", len(whole), len(sink.events))
	}
	if whole[0].StartTime != sink.events[0].StartTime {
		t.Errorf("chunked feed produced different StartTime: %d vs %d", sink.events[0].StartTime, whole[0].StartTime)
	}
}

func TestFeedDataSingleCallConsumesPastBufferCapacity(t *testing.T) {
	// Two complete VEVENTs, padded with an oversized SUMMARY so the pair
	// together exceeds bufferCapacity, delivered in one FeedData call. A
	// naive single take/process pass would silently drop the trailing
	// event's END:VEVENT along with the truncated tail of data; FeedData
	// must loop internally until the whole slice is consumed.
	pad := make([]byte, bufferCapacity)
	for i := range pad {
		pad[i] = 'x'
	}
	padding := string(pad)

	first := "BEGIN:VEVENT\n" +
		"SUMMARY:First " + padding + "\n" +
		"DTSTART:20240301T100000Z\n" +
		"END:VEVENT\n"
	second := "BEGIN:VEVENT\n" +
		"SUMMARY:Second\n" +
		"DTSTART:20240302T110000Z\n" +
		"END:VEVENT\n"
	full := first + second

	p := NewParser(nil)
	p.SetTimeWindow(window2024Start, window2024End)
	sink := &collectingSink{}
	p.SetEventSink(sink)
	p.FeedData([]byte(full))
	p.Finish()

	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1 (the oversized first event is dropped by the capacity-overflow recovery, but the second must still be parsed rather than lost along with it)", len(sink.events))
	}
	if sink.events[0].Title.String() != "Second" {
		t.Errorf("surviving event title = %q, want %q", sink.events[0].Title.String(), "Second")
	}
}

func TestMissingSummaryDropped(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"DTSTART:20240115T150000Z\n" +
		"END:VEVENT\n"
	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0 (missing SUMMARY)", len(events))
	}
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	input := "BEGIN:VEVENT\n" +
		"SUMMARY:Mystery\n" +
		"DTSTART;TZID=Mars/Olympus:20240115T090000\n" +
		"END:VEVENT\n"
	events := runFeed(t, input, window2024Start, window2024End, "")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].StartTime != 1705309200 { // 2024-01-15T09:00:00Z
		t.Errorf("StartTime = %d, want 1705309200 (UTC fallback)", events[0].StartTime)
	}
}

func civilDayParts(day model.Instant) (year, month, dom int) {
	return calendar.CivilFromDays(day)
}

func weekdayOf(year, month, day int) int {
	return calendar.DayOfWeek(year, month, day)
}
