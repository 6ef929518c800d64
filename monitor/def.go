package monitor

import (
	"TrackDetServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"route", "code"})

	BatchesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classify_batches_dispatched_total",
		Help: "Live frames handed to the classifier worker",
	})
	TicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_ticks_dropped_total",
		Help: "Capture ticks skipped because a batch was still in flight",
	})
	StaleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stale_results_discarded_total",
		Help: "Classification results discarded by the sequence guard",
	})
	FramesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_lost_total",
		Help: "Patch extractions skipped because the frame was released",
	})
	WorkerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_errors_total",
		Help: "Error messages produced by classifier workers",
	})
	InferenceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classify_batch_duration_ms",
		Help:    "Time spent classifying one batch in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	ClassifierReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classifier_ready",
		Help: "1 when the live classifier is loaded",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, GRPCTotal, HTTPTotal,
		BatchesDispatched, TicksDropped, StaleResults, FramesLost,
		WorkerErrors, InferenceLatency, ClassifierReady)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func prom(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("prometheus server stopped", zap.Error(err))
		}
	}()
	return srv
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples process stats until ctx ends.
func StartMon(ctx context.Context, port int) error {
	PID = process.Process{}
	GotPID()
	srv := prom(port)
	logger.Log().Info("metrics server started", zap.Int("port", port))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
