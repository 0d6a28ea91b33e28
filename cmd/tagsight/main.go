package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ayusman/tagsight/internal/app"
	"github.com/ayusman/tagsight/internal/capture"
	"github.com/ayusman/tagsight/internal/config"
	"github.com/ayusman/tagsight/internal/detector"
	"github.com/ayusman/tagsight/internal/pnp"
	"github.com/ayusman/tagsight/internal/server"
	"github.com/ayusman/tagsight/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	fmt.Println("Tagsight - AprilTag Detection")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appCfg := app.Config{
		Camera:          capture.NewCamera(cfg.CameraID, capture.Options{FPS: cfg.FPS}),
		TagSize:         cfg.TagSizeFor,
		DrawThickness:   cfg.DrawThickness,
		HistoryLimit:    cfg.HistoryLimit,
		ChangeThreshold: cfg.ChangeThreshold,
		MaxSkip:         cfg.MaxSkip,
	}

	if cfg.CalibrationPath != "" {
		calib, err := config.LoadCalibration(cfg.CalibrationPath)
		if err != nil {
			log.Fatalf("Failed to load calibration: %v", err)
		}
		if !calib.Rectified() {
			log.Printf("Warning: calibration %s has distortion; poses assume a rectified image", cfg.CalibrationPath)
		}
		appCfg.Intrinsics = calib.Intrinsics()
		appCfg.Solver = pnp.NewSolver()
	} else {
		log.Println("No calibration configured, poses will not be estimated")
	}

	var st *store.Store
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		st, err = store.New(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
		defer st.Close()
		appCfg.Store = st
	}

	detCfg := detector.DefaultConfig()
	detCfg.ScriptPath = cfg.DetectorScript
	detCfg.PythonPath = cfg.DetectorPython
	if det, err := detector.NewServiceDetector(detCfg); err != nil {
		log.Printf("Detector unavailable (%v), using mock detector", err)
		appCfg.Detector = detector.NewMockDetector()
	} else {
		appCfg.Detector = det
	}
	defer appCfg.Detector.Close()

	pipeline := app.New(appCfg)
	hub := server.NewHub()
	pipeline.Subscribe(hub)

	webDir := findWebDir()
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		Pipeline:  pipeline,
		Hub:       hub,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(ctx)
	})
	g.Go(func() error {
		fmt.Printf("Starting server on %s\n", cfg.HTTPAddr)
		return srv.Run(ctx, cfg.HTTPAddr)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Shutting down: %v", err)
		return
	}
	log.Println("Shut down cleanly")
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.tagsight/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if absPath, err := filepath.Abs(p); err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".tagsight", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}
	return ""
}
