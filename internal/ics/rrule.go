package ics

import (
	"strconv"
	"strings"

	"epdcal/internal/calendar"
	"epdcal/internal/model"
)

var weekdayCodes = map[string]int{
	"SU": 0, "MO": 1, "TU": 2, "WE": 3, "TH": 4, "FR": 5, "SA": 6,
}

// parseRRule parses an RRULE value per the ICS subset in spec §6. It
// returns ok=false for an unrecognized FREQ (including "NONE" or absent),
// per §7's "treat event as single occurrence" policy.
func parseRRule(value string) (model.RRule, bool) {
	r := model.DefaultRRule()
	hasFreq := false

	for _, tok := range strings.Split(value, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.ToUpper(kv[0]), kv[1]

		switch key {
		case "FREQ":
			switch strings.ToUpper(val) {
			case "DAILY":
				r.Freq = model.FreqDaily
				hasFreq = true
			case "WEEKLY":
				r.Freq = model.FreqWeekly
				hasFreq = true
			case "MONTHLY":
				r.Freq = model.FreqMonthly
				hasFreq = true
			case "YEARLY":
				r.Freq = model.FreqYearly
				hasFreq = true
			default:
				// Unknown FREQ (e.g. "NONE"): hasFreq stays false.
			}

		case "INTERVAL":
			if n, err := strconv.Atoi(val); err == nil && n >= 1 {
				r.Interval = n
			}

		case "COUNT":
			if n, err := strconv.Atoi(val); err == nil && n >= 1 {
				r.Count = n
				r.HasCount = true
			}

		case "UNTIL":
			if instant, ok := parseUntil(val); ok {
				r.Until = instant
				r.HasUntil = true
			}

		case "BYDAY":
			parseByDay(&r, val)

		case "BYMONTH":
			for _, m := range strings.Split(val, ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(m)); err == nil && n >= 1 && n <= 12 {
					r.ByMonthMask |= 1 << uint(n-1)
				}
			}

		case "BYMONTHDAY":
			for _, d := range strings.Split(val, ",") {
				if len(r.ByMonthDay) >= model.MaxByEntries() {
					break
				}
				if n, err := strconv.Atoi(strings.TrimSpace(d)); err == nil && n != 0 && n >= -31 && n <= 31 {
					r.ByMonthDay = append(r.ByMonthDay, n)
				}
			}

		case "BYSETPOS":
			// Spec's data model carries a single signed BYSETPOS; take the
			// first token of a comma list.
			first := strings.SplitN(val, ",", 2)[0]
			if n, err := strconv.Atoi(strings.TrimSpace(first)); err == nil && n != 0 {
				r.BySetPos = n
				r.HasBySetPos = true
			}

		case "WKST":
			if wd, ok := weekdayCodes[strings.ToUpper(val)]; ok {
				r.WKST = wd
			}
		}
	}

	if !hasFreq {
		return model.RRule{}, false
	}
	return r, true
}

// parseByDay parses a BYDAY value such as "MO,WE,FR" or "-1FR,2TU" into
// r.ByDayMask (plain weekday tokens) and r.ByDayEntries (signed-week
// tokens), per the data model's split between the simple weekly case and
// the positional MONTHLY case.
func parseByDay(r *model.RRule, val string) {
	for _, tok := range strings.Split(val, ",") {
		tok = strings.TrimSpace(tok)
		if len(tok) < 2 {
			continue
		}
		code := tok[len(tok)-2:]
		wd, ok := weekdayCodes[strings.ToUpper(code)]
		if !ok {
			continue
		}
		prefix := strings.TrimSpace(tok[:len(tok)-2])
		if prefix == "" {
			r.ByDayMask |= 1 << uint(wd)
			continue
		}
		if len(r.ByDayEntries) >= model.MaxByEntries() {
			continue
		}
		week, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		r.ByDayEntries = append(r.ByDayEntries, model.ByDayEntry{Week: week, Weekday: wd})
	}
}

// parseUntil parses an RRULE UNTIL value. Per spec §9's open question, the
// date-only form (YYYYMMDD) is normalized to the day *after* the named
// date — preserved deliberately from the source rather than "fixed" to
// RFC 5545's inclusive reading, since correcting it silently shifts every
// recurring event's last occurrence by one day for callers that depend on
// the existing behavior. A date-time form (with 'T') is taken literally,
// since the day-after adjustment only ever applied to the date-only case.
func parseUntil(val string) (model.Instant, bool) {
	val = strings.TrimSpace(val)
	if strings.Contains(val, "T") {
		return parseICSDateTimeUTC(val)
	}
	if len(val) < 8 {
		return 0, false
	}
	y, m, d, ok := parseYYYYMMDD(val[:8])
	if !ok {
		return 0, false
	}
	instant := calendar.DateToInstant(y, m, d, 0, 0, 0)
	return instant + calendar.SecondsPerDay, true
}
