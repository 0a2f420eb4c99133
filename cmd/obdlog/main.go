package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/metrics"
	"github.com/shaunagostinho/obdlog/internal/monitor"
	"github.com/shaunagostinho/obdlog/internal/obd"
	"github.com/shaunagostinho/obdlog/internal/server"
	"github.com/shaunagostinho/obdlog/internal/store"
)

// demoPort looks like a paired adapter as Windows reports it.
var demoPort = adapter.PortInfo{
	Device:      "COM5",
	Description: "Standard Serial over Bluetooth link (COM5)",
	HardwareID:  `BTHENUM\{00001101-0000-1000-8000-00805F9B34FB}_LOCALMFG&0002\7&1F3E2C4&0&001DA5084912_C00000000`,
}

func main() {
	configPath := flag.String("config", "obdlog.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated adapter")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Adapter.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	setupLogging(cfg.Log)
	log.Info().Str("component", "main").Msg("obdlog starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Str("component", "main").Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("component", "main").Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st := cfg.Snapshot()
	params, _ := st.ParameterIDs()

	// Sinks
	csvLog := logger.New(st.Logging, params, st.Vehicle)
	hub := server.NewHub()
	sinks := []acquire.Sink{
		acquire.LogSink{Logger: log.With().Str("component", "sample").Logger()},
		csvLog,
		hub,
	}

	var history server.History
	var db *store.Store
	if st.Store.Enabled {
		var err error
		db, err = store.Open(ctx, st.Store.DSN)
		if err != nil {
			log.Error().Str("component", "store").Err(err).Msg("sample store unavailable, continuing without it")
		} else {
			sinks = append(sinks, db)
			history = db
		}
	}

	// Adapter
	lister, opener, demoMode := buildAdapter(st.Adapter)
	scanner := adapter.NewScanner(lister, st.Adapter.Marker)
	connector := monitor.ConnectorFunc(func(ctx context.Context, candidates []adapter.Candidate) (*adapter.Connection, error) {
		a := cfg.Snapshot().Adapter
		var settler adapter.Settler = adapter.NopSettler{}
		if !demoMode {
			settler = adapter.NewSerialSettler(a.SettleHold.D())
		}
		neg := adapter.NewNegotiator(cfg.Snapshot().NegotiatorConfig(), settler, opener, m)
		return neg.Connect(ctx, candidates)
	})

	lastLoop, _ := st.LoopConfig()
	var loopMu sync.Mutex
	loopConfig := func() acquire.Config {
		loopMu.Lock()
		defer loopMu.Unlock()
		lc, err := cfg.Snapshot().LoopConfig()
		if err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("acquisition config invalid, keeping previous")
			return lastLoop
		}
		lastLoop = lc
		return lc
	}

	ctl := monitor.New(monitor.Options{
		Scanner:    scanner,
		Connector:  connector,
		LoopConfig: loopConfig,
		Sinks:      sinks,
		Recorder:   m,
		Reconnect:  st.Adapter.Reconnect,
	})
	ctl.Subscribe(hub.Publish)

	if st.Acquisition.Autostart {
		autostart(ctl, st.Adapter.Port)
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Control:  ctl,
		Hub:      hub,
		History:  history,
		CSV:      csvLog,
		Gatherer: reg,
	})
	if err := srv.Run(ctx); err != nil {
		log.Error().Str("component", "main").Err(err).Msg("server exited")
	}

	ctl.Close()
	if err := cfg.Save(); err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("save on exit failed")
	}
	if err := csvLog.Close(); err != nil {
		log.Warn().Str("component", "csv").Err(err).Msg("close failed")
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn().Str("component", "store").Err(err).Msg("close failed")
		}
	}
	log.Info().Str("component", "main").Msg("stopped")
}

func setupLogging(lc server.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// buildAdapter picks the port listing and session backend.
func buildAdapter(a server.AdapterConfig) (adapter.PortLister, obd.Opener, bool) {
	if a.Type == "demo" {
		log.Info().Str("component", "main").Str("port", demoPort.Device).Msg("demo adapter enabled")
		return adapter.StaticLister{demoPort}, obd.DemoOpener{}, true
	}
	// configured ports first so they win over the enumerator's entry for
	// the same device
	lister := adapter.MultiLister{
		adapter.StaticLister(a.Ports),
		adapter.NewEnumeratorLister(),
		adapter.NewRFCOMMLister(),
	}
	return lister, obd.NewELM327Opener(), false
}

// autostart connects at boot and starts monitoring on the first
// successful connection, for headless installs. A failed first connect
// is left to the API.
func autostart(ctl *monitor.Controller, port string) {
	var once sync.Once
	ctl.Subscribe(func(ev monitor.Event) {
		if ev.Kind != monitor.EventConnected {
			return
		}
		once.Do(func() {
			go func() {
				if err := ctl.StartMonitoring(); err != nil {
					log.Warn().Str("component", "main").Err(err).Msg("autostart monitoring")
				}
			}()
		})
	})
	if err := ctl.Connect(port); err != nil {
		log.Warn().Str("component", "main").Err(err).Msg("autostart connect")
	}
}
