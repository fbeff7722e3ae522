// Package ics implements the streaming ICS parser and recurrence expander
// described in spec §4.3/§4.4: a chunked consumer that locates VEVENT
// blocks in fixed memory, parses DTSTART/DTEND across timezones, and
// expands RRULE recurrences into filtered CalendarEvent instances.
package ics

import (
	"bytes"
	"errors"

	appLog "epdcal/internal/log"
	"epdcal/internal/model"
	"epdcal/internal/tzengine"
)

// bufferCapacity is the fixed scratch size for in-flight ICS bytes that
// have not yet been resolved into a complete VEVENT block (spec §3
// ParseBuffer, §4.3 stream discipline).
const bufferCapacity = 16 * 1024

// tailRetention is how much of the buffer is kept when no BEGIN:VEVENT
// marker is present, to protect against a marker split across chunks.
const tailRetention = 20

// Parser is a streaming ICS consumer. It owns its own scratch buffer and
// recurrence-id ledger; nothing is shared between Parser instances.
// Zero value is not usable — construct with NewParser.
type Parser struct {
	buf []byte

	calendarColor  string
	window         model.Window
	timezoneOffset int32 // reserved, unused by consumers per spec §4.3

	sink   model.EventSink
	ledger model.RecurrenceIDLedger
	logger appLog.Logger

	// pending holds RRULE-bearing base events whose expansion is deferred
	// to Finish. This is deliberate, not merely eager-by-default: a
	// RECURRENCE-ID override may appear later in the same document than
	// the master it overrides (spec §8 scenario S7), so the exclusion
	// ledger is not complete until the whole source has been seen.
	// Expanding eagerly against a partial ledger would emit both the
	// generated instance and its override on the same civil date,
	// violating invariant 6. Singles and overrides themselves still emit
	// immediately, in document order.
	pending []pendingRecurrence

	eventCount   int
	skippedCount int
}

type pendingRecurrence struct {
	base    model.CalendarEvent
	rule    model.RRule
	exdates []model.Instant
}

// NewParser constructs a Parser. logger may be nil, in which case
// diagnostics are discarded (spec §9: "omit entirely when callers want a
// pure core").
func NewParser(logger appLog.Logger) *Parser {
	return &Parser{
		buf:    make([]byte, 0, bufferCapacity),
		sink:   model.SinkFunc(func(model.CalendarEvent) {}),
		logger: logger,
	}
}

// SetCalendarColor sets the color copied verbatim into every emitted event
// from this source.
func (p *Parser) SetCalendarColor(color string) { p.calendarColor = color }

// SetTimeWindow sets the inclusive emission window.
func (p *Parser) SetTimeWindow(start, end model.Instant) {
	p.window = model.Window{Start: start, End: end}
}

// SetTimezoneOffset is reserved for future use; the current parser derives
// offsets per-TZID via the timezone engine instead (spec §4.3).
func (p *Parser) SetTimezoneOffset(secs int32) { p.timezoneOffset = secs }

// SetEventSink installs the consumer that receives emitted events.
func (p *Parser) SetEventSink(sink model.EventSink) {
	if sink == nil {
		sink = model.SinkFunc(func(model.CalendarEvent) {})
	}
	p.sink = sink
}

// EventCount returns the number of events emitted so far.
func (p *Parser) EventCount() int { return p.eventCount }

// SkippedCount returns the number of VEVENT blocks dropped for missing
// required properties.
func (p *Parser) SkippedCount() int { return p.skippedCount }

func (p *Parser) tzOffsetFor(zoneName string, instant model.Instant) int32 {
	return tzengine.OffsetSeconds(zoneName, instant)
}

func (p *Parser) log() appLog.Logger {
	if p.logger == nil {
		return noopLogger{}
	}
	return p.logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)        {}
func (noopLogger) Info(string, ...any)         {}
func (noopLogger) Error(string, error, ...any) {}

// FeedData appends data to the internal buffer (as much as fits in the
// fixed capacity), processes it, and repeats until every byte of data has
// been consumed — mirroring the source's own `while (remaining > 0)` loop
// around the take/process/recover cycle (ics_stream_parser.cpp's
// FeedData), so a single oversized call is never silently truncated. May
// be called any number of times; feedData(concat(a, b)) is equivalent to
// feedData(a); feedData(b) in terms of the emitted event set (spec §8
// property 9).
func (p *Parser) FeedData(data []byte) {
	for len(data) > 0 {
		room := bufferCapacity - 1 - len(p.buf)
		if room > 0 {
			take := room
			if take > len(data) {
				take = len(data)
			}
			p.buf = append(p.buf, data[:take]...)
			data = data[take:]
		}

		p.processBuffer()

		if !bytes.Contains(p.buf, []byte(beginMarker)) {
			if len(p.buf) > tailRetention {
				p.buf = append(p.buf[:0], p.buf[len(p.buf)-tailRetention:]...)
			}
			continue
		}

		if len(p.buf) >= bufferCapacity-1 {
			if idx := bytes.Index(p.buf, []byte(endMarker)); idx >= 0 {
				idx += len(endMarker)
				p.buf = append(p.buf[:0], p.buf[idx:]...)
			} else {
				p.log().Error("event too large", errors.New("VEVENT exceeded parse buffer capacity"), "capacity", bufferCapacity)
				p.buf = p.buf[:0]
			}
		}
	}
}

// Finish signals end-of-stream, flushing any complete events still
// buffered and expanding every deferred RRULE against the now-complete
// recurrence-id ledger. No further calls to FeedData should follow.
func (p *Parser) Finish() {
	p.processBuffer()

	pending := p.pending
	p.pending = nil
	for _, pr := range pending {
		exdateDays := append(append([]model.Instant{}, pr.exdates...), p.ledger.All()...)
		p.expandRecurrence(pr.base, pr.rule, exdateDays)
	}
}

// processBuffer repeatedly finds BEGIN:VEVENT...END:VEVENT pairs, parses
// each, and removes the consumed prefix via a memmove-equivalent (append
// onto the buffer's own backing array).
func (p *Parser) processBuffer() {
	for {
		beginIdx := bytes.Index(p.buf, []byte(beginMarker))
		if beginIdx < 0 {
			return
		}
		endIdx := bytes.Index(p.buf[beginIdx:], []byte(endMarker))
		if endIdx < 0 {
			return
		}
		endIdx = beginIdx + endIdx + len(endMarker)

		block := p.buf[beginIdx:endIdx]
		p.parseBlock(block)

		p.buf = append(p.buf[:0], p.buf[endIdx:]...)
	}
}
