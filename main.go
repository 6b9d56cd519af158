package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/examsentry/proctor/internal/api"
	"github.com/examsentry/proctor/internal/capture"
	"github.com/examsentry/proctor/internal/config"
	"github.com/examsentry/proctor/internal/db"
	"github.com/examsentry/proctor/internal/model"
	"github.com/examsentry/proctor/internal/monitoring"
	"github.com/examsentry/proctor/internal/report"
	"github.com/examsentry/proctor/internal/version"
	"github.com/examsentry/proctor/internal/vision"
)

var (
	//go:embed static/*
	staticFiles embed.FS
	devMode     = flag.Bool("dev", false, "Run in dev mode (serve ./static from disk)")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbFile      = flag.String("db", "proctor.db", "Path to the session database")
	configPath  = flag.String("config", "", "Path to a tuning config JSON (defaults apply when empty)")
	cameraDev   = flag.Int("camera", 0, "Default capture device index")
	maxDevices  = flag.Int("max-devices", 4, "Highest device index probed at startup")
	plotDir     = flag.String("plots", "plots", "Directory for session report plots")
	preview     = flag.Bool("preview", false, "Render annotated preview frames at /api/preview")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// recorderFunc adapts a closure to the engine's violation recorder.
type recorderFunc func(vision.Violation) error

func (f recorderFunc) RecordViolation(v vision.Violation) error { return f(v) }

// engineOptions assembles the detection loop options from tuning config.
func engineOptions(cfg *config.TuningConfig) vision.Options {
	return vision.Options{
		TickInterval:                cfg.GetTickInterval(),
		FaceDetectionThreshold:      cfg.GetFaceDetectionThreshold(),
		FaceCenteredTolerance:       cfg.GetFaceCenteredTolerance(),
		RapidMovementThreshold:      cfg.GetRapidMovementThreshold(),
		RapidMovementMinSamples:     cfg.GetRapidMovementMinSamples(),
		RapidMovementMaxSpan:        cfg.GetRapidMovementMaxSpan(),
		FaceHistorySize:             cfg.GetFaceHistorySize(),
		MinLandmarkPoints:           cfg.GetMinLandmarkPoints(),
		ViolationCooldown:           cfg.GetViolationCooldown(),
		AbsenceWarningAfter:         cfg.GetAbsenceWarningAfter(),
		AbsenceViolationAfter:       cfg.GetAbsenceViolationAfter(),
		DisappearanceCountThreshold: cfg.GetDisappearanceCountThreshold(),
		DisappearanceWindow:         cfg.GetDisappearanceWindow(),
		AggregateViolationThreshold: cfg.GetAggregateViolationThreshold(),
		WarningAutoClear:            cfg.GetWarningAutoClear(),
	}
}

func loadTuning() *config.TuningConfig {
	if *configPath != "" {
		cfg, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		return cfg
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		cfg, err := config.LoadTuningConfig(config.DefaultConfigPath)
		if err != nil {
			log.Fatalf("failed to load %s: %v", config.DefaultConfigPath, err)
		}
		return cfg
	}
	return config.EmptyTuningConfig()
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("proctord %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// `proctord migrate <up|down|status|force>` runs migrations and exits.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debug)

	cfg := loadTuning()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Probe capture devices once at startup; the default device is always a
	// switch candidate even when the probe misses it.
	devices := capture.EnumerateDevices(*maxDevices)
	if len(devices) == 0 {
		devices = []int{*cameraDev}
	}
	cam := capture.NewSession(
		capture.OpenWebcamFunc(cfg.GetCaptureWidth(), cfg.GetCaptureHeight(), int(cfg.GetCaptureFPS())),
		devices,
	)
	cam.SetOnSwitch(func(from, to int) {
		monitoring.Logf("capture device switched %d -> %d", from, to)
	})

	detector := model.Shared(
		cfg.GetModelPath(),
		float32(cfg.GetDetectorScoreThreshold()),
		float32(cfg.GetDetectorNMSThreshold()),
	)
	defer detector.Close()

	// The engine, pipeline, and API server reference each other, so the
	// engine callbacks close over the server variable bound below.
	var eng *vision.Engine
	var srv *api.Server

	pipe := model.NewPipeline(model.PipelineConfig{
		Source:   cam,
		Detector: detector,
		Preview:  *preview,
		StatusFunc: func() vision.Status {
			return eng.Snapshot().Status
		},
	})

	eng = vision.NewEngine(vision.EngineConfig{
		Sampler: pipe,
		Options: engineOptions(cfg),
		Recorder: recorderFunc(func(v vision.Violation) error {
			return srv.RecordViolation(v)
		}),
		OnIdentityVerified: func() { srv.IdentityVerified() },
		OnTerminate:        func() { srv.Terminated() },
	})

	reporter := report.NewReporter(database, *plotDir)

	srv = api.NewServer(api.ServerConfig{
		Engine:        eng,
		Camera:        cam,
		DB:            database,
		Preview:       pipe,
		Tuning:        cfg,
		DefaultDevice: *cameraDev,
		OnSessionEnd:  reporter.SessionEnded,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach db admin routes: %v", err)
		}
		cam.AttachAdminRoutes(mux)
		reporter.AttachRoutes(mux)

		// the API mux registers fully-qualified /api/ paths
		mux.Handle("/api/", srv.ServeMux())

		// read static files from the embedded filesystem in production or
		// from the local ./static in dev for easier iteration without
		// restarting the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticHandler = http.FileServer(http.FS(staticFiles))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			monitoring.Logf("proctord listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
		}
		monitoring.Logf("HTTP server routine stopped")
	}()

	// Close out any session still running when the process is told to stop
	// so ended_at is stamped and the report is rendered.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if sess, ok := srv.ActiveSession(); ok {
			monitoring.Logf("closing session %s on shutdown", sess.ID)
			summary := eng.Stats().Summary()
			confidence := eng.Stats().ConfidenceSeries()
			eng.Stop()
			if err := cam.Stop(); err != nil {
				monitoring.Logf("failed to stop capture: %v", err)
			}
			if err := database.EndSession(sess.ID, time.Now()); err != nil {
				monitoring.Logf("failed to end session %s: %v", sess.ID, err)
			}
			reporter.SessionEnded(sess, summary, confidence)
		}
	}()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
}
