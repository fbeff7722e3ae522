package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"epdcal/internal/config"
	"epdcal/internal/ics"
	appLog "epdcal/internal/log"
	"epdcal/internal/model"
)

// Server provides the HTTP API for schedule access.
// 현재는 /health 와 /api/events 두 개의 엔드포인트만 구현한다.
type Server struct {
	cfg   *config.Config
	debug bool
	mux   *http.ServeMux

	// In-memory cache for /api/events responses to avoid redundant
	// fetch/parse/expand work on every HTTP request.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, debug bool) *Server {
	s := &Server{
		cfg:   cfg,
		debug: debug,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EPDCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer starts an HTTP server bound to cfg.Listen.
func StartServer(_ context.Context, cfg *config.Config, debug bool) error {
	s := NewServer(cfg, debug)
	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen, "debug", debug)
	return http.ListenAndServe(cfg.Listen, s.Handler())
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	RangeStart      time.Time  `json:"range_start"`
	RangeEnd        time.Time  `json:"range_end"`
	DisplayTimeZone string     `json:"display_timezone"`
	WeekStart       string     `json:"week_start"`
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// eventDTO is a JSON-friendly view of a resolved calendar event.
type eventDTO struct {
	Title  string    `json:"title"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`
	Color  string    `json:"color"`
}

// handleEvents returns the resolved events for every configured ICS source
// within a requested time window.
//
// GET /api/events?days=7&backfill=1
//   - days:     앞으로 몇 일을 볼 것인지 (기본은 config.HorizonDays)
//   - backfill: 과거 몇 일을 포함할지 (기본 1)
//
// 디스플레이 타임존은 config.Timezone 기준이며, 잘못된 Timezone 이면 UTC 로 대체한다.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.HorizonDays)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	const eventsCacheTTL = 30 * time.Second
	cacheNow := time.Now()

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && cacheNow.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	loc := resolveLocationOrUTC(s.cfg.Timezone)
	now := time.Now().UTC()
	rangeStartT := now.AddDate(0, 0, -backfill)
	rangeEndT := now.AddDate(0, 0, days)
	window := model.Window{
		Start: model.Instant(rangeStartT.Unix()),
		End:   model.Instant(rangeEndT.Unix()),
	}

	appLog.Info("api events request",
		"days", days,
		"backfill", backfill,
		"range_start", rangeStartT.Format(time.RFC3339),
		"range_end", rangeEndT.Format(time.RFC3339),
		"timezone", s.cfg.Timezone,
	)

	if len(s.cfg.ICS) == 0 {
		writeJSON(w, http.StatusOK, eventsResponse{
			Events:          []eventDTO{},
			RangeStart:      rangeStartT,
			RangeEnd:        rangeEndT,
			DisplayTimeZone: loc.String(),
			WeekStart:       s.cfg.WeekStart,
		})
		return
	}

	const defaultCacheDir = "/var/lib/epdcal/ics-cache"
	cacheDir := defaultCacheDir
	if s.debug {
		cacheDir = "./cache/ics-cache"
	}
	fetcher := ics.NewFetcher(cacheDir)

	sources := make([]ics.Source, 0, len(s.cfg.ICS))
	for _, csrc := range s.cfg.ICS {
		if csrc.URL == "" {
			continue
		}
		id := csrc.ID
		if id == "" {
			if csrc.Name != "" {
				id = csrc.Name
			} else {
				id = csrc.URL
			}
		}
		sources = append(sources, ics.Source{ID: id, URL: csrc.URL})
	}

	colorByID := make(map[string]string, len(s.cfg.ICS))
	for _, csrc := range s.cfg.ICS {
		id := csrc.ID
		if id == "" {
			if csrc.Name != "" {
				id = csrc.Name
			} else {
				id = csrc.URL
			}
		}
		colorByID[id] = csrc.Color
	}

	var events []model.CalendarEvent
	parsers := make(map[string]*ics.Parser, len(sources))
	for _, src := range sources {
		parser := ics.NewParser(appLog.Default{})
		parser.SetTimeWindow(window.Start, window.End)
		parser.SetCalendarColor(colorByID[src.ID])
		parser.SetEventSink(model.SinkFunc(func(ev model.CalendarEvent) {
			events = append(events, ev)
		}))
		parsers[src.ID] = parser
	}

	// FetchAll streams each source's body into its parser chunk-by-chunk as
	// it is read off the wire (or replayed from cache), instead of handing
	// the parser one complete slice after the whole response has landed.
	_, fetchErrs := fetcher.FetchAll(ctx, sources, func(src ics.Source, chunk []byte) {
		if parser, ok := parsers[src.ID]; ok {
			parser.FeedData(chunk)
		}
	})
	if len(fetchErrs) > 0 {
		appLog.Error("api events: one or more ICS fetches failed", errorsAggregate(fetchErrs), "error_count", len(fetchErrs))
	}

	for _, parser := range parsers {
		parser.Finish()
	}

	sort.Slice(events, func(i, j int) bool { return events[i].StartTime < events[j].StartTime })

	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			Title:  ev.Title.String(),
			Start:  time.Unix(int64(ev.StartTime), 0).UTC(),
			End:    time.Unix(int64(ev.EndTime), 0).UTC(),
			AllDay: ev.AllDay,
			Color:  ev.Color(),
		})
	}

	resp := eventsResponse{
		Events:          dtos,
		RangeStart:      rangeStartT,
		RangeEnd:        rangeEndT,
		DisplayTimeZone: loc.String(),
		WeekStart:       s.cfg.WeekStart,
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{resp: resp, updatedAt: time.Now()}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func errorsAggregate(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
