package Adhoc

import (
	iface "TrackDetServer/interface"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regServer(t *testing.T, success bool, got chan<- RegisterRequest) RegServerConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		select {
		case got <- req:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: success})
	}))
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return RegServerConfig{Addr: host, Port: p, Interval: 10 * time.Millisecond}
}

func TestHeartbeat_Send(t *testing.T) {
	got := make(chan RegisterRequest, 1)
	cfg := regServer(t, true, got)
	h := NewHeartbeat(cfg, "10.0.0.5", 8080, func() NodeStatus {
		return NodeStatus{Model: "tracks", Precision: iface.FP16, Provider: iface.ProviderCUDA, Ready: true}
	})

	require.NoError(t, h.Send(context.Background()))
	req := <-got
	assert.Equal(t, h.ID, req.Id)
	assert.Equal(t, "10.0.0.5", req.IP)
	assert.Equal(t, 8080, req.Port)
	assert.Equal(t, CudaInstance, req.InstanceClass)
	assert.Equal(t, "fp16", req.Precision)
	assert.True(t, req.Ready)
}

func TestHeartbeat_Rejected(t *testing.T) {
	cfg := regServer(t, false, make(chan RegisterRequest, 1))
	h := NewHeartbeat(cfg, "127.0.0.1", 1, func() NodeStatus { return NodeStatus{} })
	assert.Error(t, h.Send(context.Background()))
}

func TestHeartbeat_Run(t *testing.T) {
	var calls atomic.Int32
	got := make(chan RegisterRequest, 16)
	cfg := regServer(t, true, got)
	h := NewHeartbeat(cfg, "127.0.0.1", 1, func() NodeStatus {
		calls.Add(1)
		return NodeStatus{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestInstanceClass(t *testing.T) {
	assert.Equal(t, CpuInstance, InstanceClass(iface.ProviderCPU))
	assert.Equal(t, CpuInstance, InstanceClass(iface.ProviderUnknown))
	assert.Equal(t, DmlInstance, InstanceClass(iface.ProviderDirectML))
	assert.Equal(t, CoreMLInstance, InstanceClass(iface.ProviderCoreML))
}
