// Command calibrate runs one calibration pass over every parking camera and
// writes the annotated frames for review.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/parkwatch/internal/annotate"
	"github.com/dj-oyu/parkwatch/internal/app"
	"github.com/dj-oyu/parkwatch/internal/config"
	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/logger"
)

func main() {
	var (
		configPath string
		envFile    string
		outDir     string
		timeout    time.Duration
		logLevel   string
		logColor   bool
	)

	flag.StringVar(&configPath, "config", "", "YAML config file (defaults are used when empty)")
	flag.StringVar(&envFile, "env", ".env", "Env file with VMS credentials")
	flag.StringVar(&outDir, "out", "calibration", "Directory for annotated calibration frames")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Deadline for the whole pass")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Calibration is one-shot; results are not published.
	cfg.MQTT.Broker = ""

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer a.Close()

	outcomes, report, err := a.Orchestrator.RunCalibrationBatch(ctx)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	if err := writeFrames(outDir, outcomes); err != nil {
		log.Fatalf("Failed to write frames: %v", err)
	}

	for _, out := range outcomes {
		fmt.Printf("camera %s: %d spaces\n", out.CameraID, len(out.Calibration.Spaces))
	}
	for _, f := range report.Failures {
		fmt.Printf("camera %s: %s (%v)\n", f.CameraID, f.Kind, f.Err)
	}
	fmt.Println(report.Summary())

	if report.Succeeded < report.Total {
		a.Close()
		os.Exit(1)
	}
}

func writeFrames(dir string, outcomes []fleet.CalibrationOutcome) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, out := range outcomes {
		if out.Calibration == nil || out.Calibration.Annotated == nil {
			continue
		}
		data, err := annotate.EncodeJPEG(out.Calibration.Annotated, annotate.DefaultQuality)
		if err != nil {
			return fmt.Errorf("camera %s: %w", out.CameraID, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("calibration_%s.jpg", strings.ReplaceAll(out.CameraID, string(filepath.Separator), "_")))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
		logger.Info("Main", "Wrote %s", path)
	}
	return nil
}
