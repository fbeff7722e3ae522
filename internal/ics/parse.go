package ics

import (
	"bytes"
	"strconv"
	"strings"

	"epdcal/internal/calendar"
	"epdcal/internal/model"
)

const (
	beginMarker = "BEGIN:VEVENT"
	endMarker   = "END:VEVENT"
)

// parseYYYYMMDD parses an 8-digit civil date. Malformed input returns ok=false.
func parseYYYYMMDD(s string) (year, month, day int, ok bool) {
	if len(s) != 8 {
		return 0, 0, 0, false
	}
	y, err1 := strconv.Atoi(s[0:4])
	m, err2 := strconv.Atoi(s[4:6])
	d, err3 := strconv.Atoi(s[6:8])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return 0, 0, 0, false
	}
	return y, m, d, true
}

// parseHHMMSS parses a 6-digit time-of-day. Malformed input returns ok=false.
func parseHHMMSS(s string) (hour, minute, second int, ok bool) {
	if len(s) != 6 {
		return 0, 0, 0, false
	}
	h, err1 := strconv.Atoi(s[0:2])
	m, err2 := strconv.Atoi(s[2:4])
	sec, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if h > 23 || m > 59 || sec > 60 {
		return 0, 0, 0, false
	}
	return h, m, sec, true
}

// parseICSDateTimeUTC parses "YYYYMMDDThhmmss[Z]" as a plain UTC instant,
// ignoring any trailing 'Z'. Used for the date-time form of RRULE UNTIL,
// whose value is treated as already-UTC.
func parseICSDateTimeUTC(v string) (model.Instant, bool) {
	v = strings.TrimSuffix(v, "Z")
	idx := strings.IndexByte(v, 'T')
	if idx != 8 {
		return 0, false
	}
	y, mo, d, ok := parseYYYYMMDD(v[:8])
	if !ok {
		return 0, false
	}
	h, mi, s, ok := parseHHMMSS(v[9:])
	if !ok {
		return 0, false
	}
	return calendar.DateToInstant(y, mo, d, h, mi, s), true
}

// civilDayInstant extracts the leading 8-digit civil date from an ICS date
// or date-time value (skipping a leading ";PARAM=...:" parameter block if
// present) and returns midnight UTC of that day. Used to normalize EXDATE
// and RECURRENCE-ID values, which are compared by whole civil day per
// spec §4.3/§4.4, never by exact instant.
func civilDayInstant(raw string) (model.Instant, bool) {
	value := raw
	if strings.HasPrefix(raw, ";") {
		if idx := strings.LastIndex(raw, ":"); idx >= 0 {
			value = raw[idx+1:]
		}
	}
	if len(value) < 8 {
		return 0, false
	}
	y, m, d, ok := parseYYYYMMDD(value[:8])
	if !ok {
		return 0, false
	}
	return calendar.DateToInstant(y, m, d, 0, 0, 0), true
}

// parseDateTime interprets a DTSTART/DTEND property value (the tail
// returned by findProperty, so it may begin with ";PARAM=...;PARAM=...:"
// or be a bare value with no parameters) per spec §4.3.
func (p *Parser) parseDateTime(raw string) (instant model.Instant, allDay bool) {
	params := ""
	value := raw
	if strings.HasPrefix(raw, ";") {
		if idx := strings.LastIndex(raw, ":"); idx >= 0 {
			params = raw[1:idx]
			value = raw[idx+1:]
		}
	}

	if strings.Contains(strings.ToUpper(params), "VALUE=DATE") || (!strings.Contains(value, "T") && len(value) == 8) {
		y, m, d, ok := parseYYYYMMDD(firstN(value, 8))
		if !ok {
			return 0, true
		}
		return calendar.DateToInstant(y, m, d, 0, 0, 0), true
	}

	isUTC := strings.HasSuffix(value, "Z")
	v := strings.TrimSuffix(value, "Z")
	idx := strings.IndexByte(v, 'T')
	if idx != 8 {
		return 0, false
	}
	y, mo, d, ok := parseYYYYMMDD(v[:8])
	if !ok {
		return 0, false
	}
	h, mi, s, ok := parseHHMMSS(v[9:])
	if !ok {
		return 0, false
	}
	localInstant := calendar.DateToInstant(y, mo, d, h, mi, s)

	if isUTC {
		return localInstant, false
	}

	tzid := extractParam(params, "TZID")
	if tzid == "" {
		// Absent Z and absent TZID: treat as UTC.
		return localInstant, false
	}

	offset := p.tzOffsetFor(tzid, localInstant)
	return uint32(int64(localInstant) - int64(offset)), false
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// extractParam finds "NAME=value" inside a ';'-joined parameter block and
// returns value. NAME is matched case-insensitively.
func extractParam(params, name string) string {
	for _, part := range strings.Split(params, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], name) {
			return kv[1]
		}
	}
	return ""
}

// findProperty scans lines for one starting with name followed by ':' or
// ';'. On ';' the entire tail (including the parameter block and value) is
// returned so the caller can see "TZID=...:value". RFC 5545 line
// continuations (leading whitespace) are not supported — see spec §9 open
// questions.
func findProperty(lines [][]byte, name string) (string, bool) {
	nameBytes := []byte(name)
	for _, line := range lines {
		if !bytes.HasPrefix(line, nameBytes) {
			continue
		}
		rest := line[len(nameBytes):]
		if len(rest) == 0 {
			continue
		}
		switch rest[0] {
		case ':':
			return string(bytes.TrimSpace(rest[1:])), true
		case ';':
			return string(bytes.TrimSpace(rest)), true
		}
	}
	return "", false
}

// findAllProperties returns every line's tail matching name, for
// multi-valued properties like EXDATE.
func findAllProperties(lines [][]byte, name string) []string {
	nameBytes := []byte(name)
	var out []string
	for _, line := range lines {
		if !bytes.HasPrefix(line, nameBytes) {
			continue
		}
		rest := line[len(nameBytes):]
		if len(rest) == 0 {
			continue
		}
		switch rest[0] {
		case ':':
			out = append(out, string(bytes.TrimSpace(rest[1:])))
		case ';':
			out = append(out, string(bytes.TrimSpace(rest)))
		}
	}
	return out
}

// splitLines splits a VEVENT block into trimmed, non-empty lines.
func splitLines(block []byte) [][]byte {
	raw := bytes.Split(block, []byte("\n"))
	lines := make([][]byte, 0, len(raw))
	for _, l := range raw {
		l = bytes.TrimRight(l, "\r")
		l = bytes.TrimSpace(l)
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}

// parseBlock parses one complete "BEGIN:VEVENT"..."END:VEVENT" block and
// either emits it directly, records it as a RECURRENCE-ID override, or
// hands it to the recurrence expander.
func (p *Parser) parseBlock(block []byte) {
	lines := splitLines(block)

	summary, hasSummary := findProperty(lines, "SUMMARY")
	dtstartRaw, hasDTStart := findProperty(lines, "DTSTART")
	if !hasSummary || !hasDTStart {
		p.skippedCount++
		return
	}

	startInstant, allDay := p.parseDateTime(dtstartRaw)

	endInstant := startInstant
	if dtendRaw, ok := findProperty(lines, "DTEND"); ok {
		endInstant, _ = p.parseDateTime(dtendRaw)
	}
	if endInstant < startInstant {
		endInstant = startInstant
	}

	if ridRaw, ok := findProperty(lines, "RECURRENCE-ID"); ok {
		if day, ok := civilDayInstant(ridRaw); ok {
			p.ledger.Add(day)
		}
		p.emitSingle(summary, startInstant, endInstant, allDay)
		return
	}

	if rruleRaw, ok := findProperty(lines, "RRULE"); ok {
		rule, ok := parseRRule(rruleRaw)
		if !ok {
			// Unknown FREQ: treat as a single occurrence (spec §7).
			p.emitSingle(summary, startInstant, endInstant, allDay)
			return
		}

		exdateDays := p.collectExdates(lines)

		base := model.NewCalendarEvent(summary, startInstant, endInstant, allDay, p.calendarColor, "")
		p.pending = append(p.pending, pendingRecurrence{base: base, rule: rule, exdates: exdateDays})
		return
	}

	p.emitSingle(summary, startInstant, endInstant, allDay)
}

// collectExdates gathers every EXDATE property (each may carry a
// comma-separated list) and normalizes each to midnight UTC of its civil
// day.
func (p *Parser) collectExdates(lines [][]byte) []model.Instant {
	var out []model.Instant
	for _, raw := range findAllProperties(lines, "EXDATE") {
		value := raw
		params := ""
		if strings.HasPrefix(raw, ";") {
			if idx := strings.LastIndex(raw, ":"); idx >= 0 {
				params = raw[1:idx]
				value = raw[idx+1:]
			}
		}
		_ = params // TZID on EXDATE is not distinguished; see spec §4.3.
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if day, ok := civilDayInstant(part); ok {
				out = append(out, day)
			}
		}
	}
	return out
}

// emitSingle applies the window test and, if it passes, hands the event to
// the sink.
func (p *Parser) emitSingle(summary string, start, end model.Instant, allDay bool) {
	if !p.inWindow(start, allDay) {
		return
	}
	ev := model.NewCalendarEvent(summary, start, end, allDay, p.calendarColor, "")
	p.sink.Accept(ev)
	p.eventCount++
}

func (p *Parser) inWindow(instant model.Instant, allDay bool) bool {
	if allDay {
		return p.window.ContainsDay(instant)
	}
	return p.window.Contains(instant)
}
