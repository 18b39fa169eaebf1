// Package main runs the camera recorder and batch video processor as a standalone process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/robot/client"
	"go.viam.com/rdk/services/vision"
	"go.viam.com/utils/rpc"

	"github.com/viam-modules/sort-tracking/batch"
	"github.com/viam-modules/sort-tracking/camera"
	"github.com/viam-modules/sort-tracking/config"
	"github.com/viam-modules/sort-tracking/events"
	"github.com/viam-modules/sort-tracking/media"
	"github.com/viam-modules/sort-tracking/media/cv"
)

const defaultConfigPath = "config/recorder.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := logging.NewLogger("recorder")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	if err := run(*configPath, flag.Args(), logger); err != nil {
		logger.Errorw("recorder stopped", "error", err)
		os.Exit(1)
	}
}

// run starts every component, submits the given videos as batch jobs and blocks until SIGINT or SIGTERM.
func run(configPath string, videos []string, logger logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Infow("starting recorder", "config", configPath, "cameras", cfg.Cameras, "save_path", cfg.SavePath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if n, err := camera.UpgradeSidecars(cfg.SavePath); err != nil {
		logger.Warnw("cannot upgrade old sidecars", "error", err)
	} else if n > 0 {
		logger.Infow("upgraded old sidecars", "count", n)
	}

	detector, closeDetector, err := connectDetector(ctx, cfg.Detector, logger)
	if err != nil {
		return err
	}
	defer closeDetector()

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warnw("closing event bus", "error", err)
		}
	}()
	if cfg.MQTT != nil {
		bridge, err := events.NewMQTTBridge(ctx, *cfg.MQTT, bus, cfg.Events.Buffer, logger.Sublogger("mqtt"))
		if err != nil {
			return err
		}
		defer func() {
			if err := bridge.Close(); err != nil {
				logger.Warnw("closing mqtt bridge", "error", err)
			}
		}()
	}

	annotator := &cv.Annotator{PrimaryClass: cfg.PrimaryClass}
	cams := camera.NewManager(cfg.Cameras, func(device int) (media.Capture, error) {
		return cv.OpenDevice(device, cfg.CaptureWidth, cfg.CaptureHeight)
	}, detector, camera.Options{
		Annotator:       annotator,
		Encoder:         &cv.JPEGEncoder{Quality: cfg.JPEGQuality},
		OpenWriter:      cv.OpenWriter,
		Publisher:       bus,
		Logger:          logger.Sublogger("camera"),
		SegmentDuration: cfg.SegmentDuration,
		FrameInterval:   cfg.FrameInterval,
		Tracker:         cfg.Tracker,
		MinConfidence:   cfg.Detector.MinConfidence,
		ChosenLabels:    cfg.Detector.ChosenLabels,
		PrimaryClass:    cfg.PrimaryClass,
		SavePath:        cfg.SavePath,
	})
	defer func() {
		if err := cams.Close(); err != nil {
			logger.Warnw("closing cameras", "error", err)
		}
	}()
	cams.Start(ctx)
	if cfg.AutoStart {
		if err := cams.StartAll(cfg.SavePath, cfg.Detector.Sensitivity); err != nil {
			logger.Warnw("cannot start detection on every camera", "error", err)
		}
	}

	if err := os.MkdirAll(cfg.UploadFolder, 0o755); err != nil {
		return errors.Wrap(err, "cannot create upload folder")
	}
	registry := batch.NewRegistry(&batch.Processor{
		Open:          cv.OpenFile,
		Writer:        cv.OpenWriter,
		Annotator:     annotator,
		Detector:      detector,
		Tracker:       cfg.Tracker,
		MinConfidence: cfg.Detector.MinConfidence,
		ChosenLabels:  cfg.Detector.ChosenLabels,
		OutputDir:     cfg.UploadFolder,
		Logger:        logger.Sublogger("batch"),
	}, batch.RegistryOptions{
		Retention: cfg.Jobs.Retention,
		Publisher: bus,
		Logger:    logger.Sublogger("jobs"),
	})
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnw("closing job registry", "error", err)
		}
	}()
	registry.StartSweeper(cfg.Jobs.SweepInterval)

	owner := batch.Identity{Subject: "recorder", Role: batch.RoleAdmin}
	for _, path := range videos {
		id, err := registry.Submit(owner, path)
		if err != nil {
			logger.Errorw("cannot submit video", "path", path, "error", err)
			continue
		}
		logger.Infow("submitted video", "path", path, "task_id", id)
		go reportJob(ctx, registry, owner, id, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// connectDetector dials the robot that hosts the detection vision service.
func connectDetector(ctx context.Context, cfg config.DetectorConfig, logger logging.Logger) (vision.Service, func(), error) {
	var opts []client.RobotClientOption
	if cfg.APIKey != "" {
		opts = append(opts, client.WithDialOptions(rpc.WithEntityCredentials(
			cfg.APIKeyID,
			rpc.Credentials{Type: rpc.CredentialsTypeAPIKey, Payload: cfg.APIKey},
		)))
	}
	robot, err := client.New(ctx, cfg.Address, logger.Sublogger("client"), opts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "cannot connect to %v", cfg.Address)
	}
	closeRobot := func() {
		if err := robot.Close(context.Background()); err != nil {
			logger.Warnw("closing robot client", "error", err)
		}
	}
	detector, err := vision.FromRobot(robot, cfg.Service)
	if err != nil {
		closeRobot()
		return nil, nil, errors.Wrapf(err, "cannot find vision service %v", cfg.Service)
	}
	return detector, closeRobot, nil
}

func reportJob(ctx context.Context, registry *batch.Registry, owner batch.Identity, id string, logger logging.Logger) {
	job, err := registry.Wait(ctx, owner, id)
	if err != nil {
		logger.Errorw("video failed", "task_id", id, "error", err)
		return
	}
	logger.Infow("video processed",
		"task_id", id,
		"result", job.ResultURL(),
		"unique_count", len(job.Detections),
		"summary", job.Summary,
	)
}
