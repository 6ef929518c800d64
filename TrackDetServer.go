package main

import (
	adhoc "TrackDetServer/Adhoc"
	"TrackDetServer/camera"
	"TrackDetServer/capture"
	"TrackDetServer/config"
	"TrackDetServer/engine"
	backend "TrackDetServer/gRPC"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"TrackDetServer/publisher"
	"TrackDetServer/server"
	"TrackDetServer/worker"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func GetOutboundIP() (string, error) {
	// No packet is sent for UDP, the dial only resolves the outbound route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "TrackDetServer:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Mode, cfg.Log.Level); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()
	log.Info("starting",
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.Int("metricsPort", cfg.AdhocPort),
		zap.String("instanceClass", cfg.InstanceClass))

	if err := engine.InitRuntime(cfg.OnnxRuntimeDir, cfg.OnnxRuntimeLib); err != nil {
		return err
	}
	defer engine.ShutdownRuntime()

	providers, err := cfg.Providers()
	if err != nil {
		return err
	}
	newEngine := func(model string, precision iface.Precision) *engine.Engine {
		return engine.New(model, precision, engine.NewLoader(engine.ModelBase(cfg.ModelRoot, model)),
			engine.WithProviders(providers...),
			engine.WithWarmup(*cfg.Warmup))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()
	g, ctx := errgroup.WithContext(ctx)

	opts := server.Options{
		Decode:    camera.DecodeImage,
		NewEngine: newEngine,
		Model:     cfg.Model,
		Precision: cfg.PrecisionValue(),
	}

	if cfg.Capture.Enabled {
		loop, liveWorker, closeLive, err := startCapture(ctx, cfg, newEngine)
		if err != nil {
			return err
		}
		defer closeLive()
		opts.Live = loop
		opts.LiveInfo = liveWorker.Info
		g.Go(func() error {
			return loop.Run(ctx)
		})
	} else {
		log.Info("capture disabled")
	}

	httpServer := server.New(opts)
	g.Go(func() error {
		return httpServer.Run(ctx, cfg.HTTPPort)
	})

	rpcWorker := worker.New(ctx, newEngine)
	defer rpcWorker.Close()
	g.Go(func() error {
		return backend.StartGRPCServer(ctx, cfg.RPCPort, backend.NewServer(rpcWorker, camera.DecodeImage, shutdown))
	})

	g.Go(func() error {
		return monitor.StartMon(ctx, cfg.AdhocPort)
	})

	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			return fmt.Errorf("outbound ip: %w", err)
		}
		hb := adhoc.NewHeartbeat(adhoc.RegServerConfig{Addr: cfg.RegServerHost, Port: cfg.RegServerPort}, ip, cfg.RPCPort,
			func() adhoc.NodeStatus {
				info, ok := rpcWorker.Info()
				if !ok {
					return adhoc.NodeStatus{Model: cfg.Model, Precision: cfg.PrecisionValue()}
				}
				return adhoc.NodeStatus{
					Model:     info.Model,
					Precision: info.Precision,
					Provider:  info.Provider,
					Ready:     info.State == engine.StateName(engine.IDLE) || info.State == engine.StateName(engine.BUSY),
				}
			})
		log.Info("registering with node server", zap.String("url", hb.URL()), zap.String("id", hb.ID))
		g.Go(func() error {
			return hb.Run(ctx)
		})
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("Safely exited")
	return nil
}

// startCapture opens the camera, the live worker and the result publisher.
func startCapture(ctx context.Context, cfg *config.Config, newEngine worker.EngineFactory) (*capture.Loop, *worker.Worker, func(), error) {
	var (
		src *camera.VideoSource
		err error
	)
	if cfg.Capture.File != "" {
		src, err = camera.OpenFile(cfg.Capture.File)
	} else {
		src, err = camera.OpenDevice(cfg.Capture.Device)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	var pub iface.Publisher
	if cfg.MQTT.Enabled {
		mp := publisher.NewMQTTPublisher(publisher.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err := mp.Connect(ctx); err != nil {
			logger.Log().Warn("mqtt connect failed, retrying in background", zap.Error(err))
		}
		pub = mp
	} else {
		pub = publisher.NewLogPublisher(logger.Log())
	}

	w := worker.New(ctx, newEngine)
	loop := capture.NewLoop(src, w, capture.Options{
		Model:      cfg.Model,
		Precision:  cfg.PrecisionValue(),
		Interval:   cfg.Capture.Interval(),
		UIInterval: cfg.Capture.UIInterval(),
		Publisher:  pub,
	})
	if cfg.Capture.MarkerFile != "" {
		markers, err := config.LoadMarkers(cfg.Capture.MarkerFile)
		if err != nil {
			w.Close()
			pub.Close()
			src.Close()
			return nil, nil, nil, err
		}
		loop.SetMarkers(markers)
	}
	loop.SetDPT(cfg.Calibration.DPT())

	closeAll := func() {
		w.Close()
		pub.Close()
		if err := src.Close(); err != nil {
			logger.Log().Warn("close capture source", zap.Error(err))
		}
	}
	return loop, w, closeAll, nil
}
