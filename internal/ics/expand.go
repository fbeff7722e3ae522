package ics

import (
	"errors"

	"epdcal/internal/calendar"
	"epdcal/internal/model"
)

// maxInstancesPerRRule is the hard safety cap on generated instances
// (emitted plus excluded) per RRULE, per spec §4.4.
const maxInstancesPerRRule = 500

// maxCandidatesPerPeriod bounds each period's candidate-date array.
const maxCandidatesPerPeriod = 32

// expandRecurrence generates instances of base's RRULE within the parser's
// configured window, applying exdateDays and emitting through the sink.
// This is the iterative, fixed-array recurrence engine described in
// spec §4.4 — no third-party RRULE library and no recursion, matching the
// "recursive expansion is absent" design note.
func (p *Parser) expandRecurrence(base model.CalendarEvent, rule model.RRule, exdateDays []model.Instant) {
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	effectiveEnd := p.window.End
	if rule.HasUntil && rule.Until < effectiveEnd {
		effectiveEnd = rule.Until
	}

	baseDay := base.StartTime / calendar.SecondsPerDay
	timeOfDay := base.StartTime % calendar.SecondsPerDay
	cy, cm, cd := calendar.CivilFromDays(baseDay)

	total := 0
	emitted := 0
	truncated := false

	for {
		periodStart := calendar.DaysFromEpoch(cy, cm, cd)*calendar.SecondsPerDay + timeOfDay
		if periodStart > effectiveEnd {
			break
		}
		if cy > 2199 {
			// Structural backstop for any case in which periodStart never
			// passes effectiveEnd (e.g. an end near the top of the 32-bit
			// instant range, past which periodStart wraps), which would
			// otherwise loop indefinitely; ordinary calendars never reach this.
			break
		}

		candidates := candidatesForPeriod(rule, cy, cm, cd, baseDay)
		candidates = applyBySetPos(rule, candidates)

		stop := false
		for _, candDay := range candidates {
			instanceStart := candDay*calendar.SecondsPerDay + timeOfDay
			if instanceStart < base.StartTime {
				continue
			}
			if instanceStart > effectiveEnd {
				stop = true
				break
			}

			excluded := matchesExdate(candDay, exdateDays)

			total++
			if !excluded {
				instanceEnd := instanceStart + (base.EndTime - base.StartTime)
				if p.inWindow(instanceStart, base.AllDay) {
					ev := model.NewCalendarEvent(base.Title.String(), instanceStart, instanceEnd, base.AllDay, base.CalendarColor, base.EventColor)
					p.sink.Accept(ev)
					p.eventCount++
					emitted++
				}
			}

			if total >= maxInstancesPerRRule {
				truncated = true
				stop = true
				break
			}
			if rule.HasCount && total >= rule.Count {
				stop = true
				break
			}
		}
		if stop {
			break
		}

		cy, cm, cd = advancePeriod(rule.Freq, interval, cy, cm, cd)
	}

	if truncated {
		p.log().Error("recurrence truncated at instance cap", errors.New("max instances reached"), "cap", maxInstancesPerRRule, "emitted", emitted)
	}
}

// matchesExdate reports whether candDay (a day count from epoch) matches
// any recorded exclusion day, via linear scan (bounded to <=64 ledger
// entries plus the source's own EXDATE list).
func matchesExdate(candDay model.Instant, exdateDays []model.Instant) bool {
	candMidnight := candDay * calendar.SecondsPerDay
	for _, ex := range exdateDays {
		if ex == candMidnight {
			return true
		}
	}
	return false
}

// candidatesForPeriod generates the set of candidate civil days (as
// day-counts from epoch) for one period of the rule, per spec §4.4. The
// slice is capped at maxCandidatesPerPeriod and sorted ascending.
func candidatesForPeriod(rule model.RRule, cy, cm, cd int, baseDay model.Instant) []model.Instant {
	var out []model.Instant
	add := func(day model.Instant) {
		if len(out) >= maxCandidatesPerPeriod {
			return
		}
		out = append(out, day)
	}

	switch rule.Freq {
	case model.FreqDaily:
		add(calendar.DaysFromEpoch(cy, cm, cd))

	case model.FreqWeekly:
		if rule.ByDayMask != 0 {
			weekStartDay := startOfWeek(cy, cm, cd, rule.WKST)
			for d := 0; d < 7; d++ {
				weekday := (rule.WKST + d) % 7
				if rule.ByDayMask&(1<<uint(weekday)) == 0 {
					continue
				}
				day := weekStartDay + model.Instant(d)
				if day >= baseDay {
					add(day)
				}
			}
		} else {
			add(calendar.DaysFromEpoch(cy, cm, cd))
		}

	case model.FreqMonthly:
		if rule.ByMonthMask != 0 && rule.ByMonthMask&(1<<uint(cm-1)) == 0 {
			return nil
		}
		switch {
		case len(rule.ByDayEntries) > 0:
			for _, entry := range rule.ByDayEntries {
				appendByDayEntry(&out, cy, cm, entry)
			}
			sortInstants(out)
		case len(rule.ByMonthDay) > 0:
			dim := int(calendar.DaysInMonth(cy, cm))
			for _, md := range rule.ByMonthDay {
				day := md
				if day < 0 {
					day = dim + day + 1
				}
				if day < 1 || day > dim {
					continue
				}
				add(calendar.DaysFromEpoch(cy, cm, day))
			}
			sortInstants(out)
		default:
			_, _, baseDom := calendar.CivilFromDays(baseDay)
			dim := int(calendar.DaysInMonth(cy, cm))
			day := baseDom
			if day > dim {
				day = dim
			}
			add(calendar.DaysFromEpoch(cy, cm, day))
		}

	case model.FreqYearly:
		_, baseMonth, baseDom := calendar.CivilFromDays(baseDay)
		if rule.ByMonthMask != 0 {
			for m := 1; m <= 12; m++ {
				if rule.ByMonthMask&(1<<uint(m-1)) == 0 {
					continue
				}
				dim := int(calendar.DaysInMonth(cy, m))
				day := baseDom
				if day > dim {
					day = dim
				}
				add(calendar.DaysFromEpoch(cy, m, day))
			}
			sortInstants(out)
		} else {
			dim := int(calendar.DaysInMonth(cy, baseMonth))
			day := baseDom
			if day > dim {
				day = dim
			}
			add(calendar.DaysFromEpoch(cy, baseMonth, day))
		}
	}

	return out
}

// appendByDayEntry expands one BYDAY positional entry (e.g. "-1FR", "2TU",
// or "0MO" for "every Monday") within month (cy, cm) into out.
func appendByDayEntry(out *[]model.Instant, cy, cm int, entry model.ByDayEntry) {
	add := func(day int) {
		if day <= 0 {
			return
		}
		if len(*out) >= maxCandidatesPerPeriod {
			return
		}
		*out = append(*out, calendar.DaysFromEpoch(cy, cm, day))
	}

	switch {
	case entry.Week == 0:
		dim := int(calendar.DaysInMonth(cy, cm))
		first := calendar.NthWeekdayOfMonth(cy, cm, 1, entry.Weekday)
		if first == 0 {
			return
		}
		for d := first; d <= dim; d += 7 {
			add(d)
		}
	case entry.Week > 0:
		add(calendar.NthWeekdayOfMonth(cy, cm, entry.Week, entry.Weekday))
	default:
		add(calendar.NthWeekdayOfMonth(cy, cm, entry.Week, entry.Weekday))
	}
}

// startOfWeek returns the day-count (from epoch) of the first day of the
// week containing (cy, cm, cd), where a week starts on wkst (0=Sunday).
func startOfWeek(cy, cm, cd, wkst int) model.Instant {
	day := calendar.DaysFromEpoch(cy, cm, cd)
	dow := calendar.DayOfWeek(cy, cm, cd)
	offset := (dow - wkst + 7) % 7
	return day - model.Instant(offset)
}

// applyBySetPos applies the BYSETPOS positional filter to an
// already-ascending candidate list. Out-of-range positions collapse the
// set to empty.
func applyBySetPos(rule model.RRule, candidates []model.Instant) []model.Instant {
	if !rule.HasBySetPos || len(candidates) == 0 {
		return candidates
	}
	n := len(candidates)
	pos := rule.BySetPos
	var idx int
	if pos > 0 {
		idx = pos - 1
	} else {
		idx = n + pos
	}
	if idx < 0 || idx >= n {
		return nil
	}
	return []model.Instant{candidates[idx]}
}

func sortInstants(s []model.Instant) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// advancePeriod moves the cursor civil date forward by interval periods of
// freq.
func advancePeriod(freq model.Frequency, interval, cy, cm, cd int) (int, int, int) {
	switch freq {
	case model.FreqDaily:
		day := calendar.DaysFromEpoch(cy, cm, cd) + model.Instant(interval)
		y, m, d := calendar.CivilFromDays(day)
		return y, m, d
	case model.FreqWeekly:
		day := calendar.DaysFromEpoch(cy, cm, cd) + model.Instant(7*interval)
		y, m, d := calendar.CivilFromDays(day)
		return y, m, d
	case model.FreqMonthly:
		total := (cy*12 + (cm - 1)) + interval
		y := total / 12
		m := total%12 + 1
		return y, m, cd
	case model.FreqYearly:
		return cy + interval, cm, cd
	default:
		return cy, cm, cd
	}
}
