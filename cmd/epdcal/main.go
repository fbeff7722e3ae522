package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"epdcal/internal/config"
	"epdcal/internal/ics"
	appLog "epdcal/internal/log"
	"epdcal/internal/model"
	"epdcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("epdcal starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh_cron", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"show_all_day", conf.ShowAllDay,
		"ics_count", len(conf.ICS),
		"once", flags.once,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	cacheDir := "/var/lib/epdcal/ics-cache"
	if flags.debug {
		cacheDir = "./cache/ics-cache"
	}
	fetcher := ics.NewFetcher(cacheDir)

	if flags.once {
		runRefreshCycle(ctx, conf, fetcher)
		return
	}

	c := cron.New()
	_, err = c.AddFunc(conf.RefreshCron, func() {
		runRefreshCycle(ctx, conf, fetcher)
	})
	if err != nil {
		appLog.Error("invalid refresh cron expression; scheduler disabled", err, "refresh_cron", conf.RefreshCron)
	} else {
		c.Start()
		defer c.Stop()
		appLog.Info("refresh scheduler started", "refresh_cron", conf.RefreshCron)
	}

	// Run one cycle immediately rather than waiting for the first cron tick.
	go runRefreshCycle(ctx, conf, fetcher)

	go func() {
		if err := web.StartServer(ctx, conf, flags.debug); err != nil {
			appLog.Error("web server exited", err)
			cancel()
		}
	}()

	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	appLog.Info("epdcal exiting")
}

// runRefreshCycle fetches every configured ICS source and resolves its
// events within the configured horizon, logging a summary. The Web UI's
// own /api/events handler performs the same fetch/parse/resolve sequence
// on demand; this cycle exists so refresh failures are visible in the logs
// even when nobody is polling the API.
func runRefreshCycle(ctx context.Context, conf *config.Config, fetcher *ics.Fetcher) {
	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, csrc := range conf.ICS {
		if csrc.URL == "" {
			continue
		}
		id := csrc.ID
		if id == "" {
			id = csrc.Name
		}
		sources = append(sources, ics.Source{ID: id, URL: csrc.URL})
	}
	if len(sources) == 0 {
		appLog.Info("refresh cycle: no ICS sources configured")
		return
	}

	now := time.Now().UTC()
	windowStart := model.Instant(now.AddDate(0, 0, -1).Unix())
	windowEnd := model.Instant(now.AddDate(0, 0, conf.HorizonDays).Unix())

	var events []model.CalendarEvent
	parsers := make(map[string]*ics.Parser, len(sources))
	for _, src := range sources {
		parser := ics.NewParser(appLog.Default{})
		parser.SetTimeWindow(windowStart, windowEnd)
		parser.SetEventSink(model.SinkFunc(func(ev model.CalendarEvent) {
			events = append(events, ev)
		}))
		parsers[src.ID] = parser
	}

	// FetchAll streams each source's body into its parser chunk-by-chunk as
	// it is read, instead of handing the parser one complete slice after
	// the whole response has landed.
	_, fetchErrs := fetcher.FetchAll(ctx, sources, func(src ics.Source, chunk []byte) {
		if parser, ok := parsers[src.ID]; ok {
			parser.FeedData(chunk)
		}
	})
	for _, err := range fetchErrs {
		appLog.Error("refresh cycle: fetch failed", err)
	}

	for _, parser := range parsers {
		parser.Finish()
	}

	sort.Slice(events, func(i, j int) bool { return events[i].StartTime < events[j].StartTime })

	appLog.Info("refresh cycle complete",
		"sources", len(sources),
		"fetch_errors", len(fetchErrs),
		"events", len(events),
	)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+resolve cycle and exit, without starting the web server")
	flag.BoolVar(&cfg.debug, "debug", false, "Use a local ./cache directory for the ICS cache instead of /var/lib/epdcal")

	flag.Parse()

	return cfg
}
