package Adhoc

import (
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	CoreMLInstance = 0x2005
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	Model         string `json:"model"`
	Precision     string `json:"precision"`
	Ready         bool   `json:"ready"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// NodeStatus is sampled before every heartbeat.
type NodeStatus struct {
	Model     string
	Precision iface.Precision
	Provider  iface.Provider
	Ready     bool
}

type RegServerConfig struct {
	Port     int
	Addr     string
	Interval time.Duration
}

func InstanceClass(p iface.Provider) int {
	switch p {
	case iface.ProviderDirectML:
		return DmlInstance
	case iface.ProviderCUDA:
		return CudaInstance
	case iface.ProviderCoreML:
		return CoreMLInstance
	default:
		return CpuInstance
	}
}

// Heartbeat registers this node with the registration server on a fixed period.
type Heartbeat struct {
	ID     string
	cfg    RegServerConfig
	ip     string
	port   int
	status func() NodeStatus
	client *resty.Client
}

func NewHeartbeat(cfg RegServerConfig, ip string, port int, status func() NodeStatus) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		ID:     uuid.NewString(),
		cfg:    cfg,
		ip:     ip,
		port:   port,
		status: status,
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (h *Heartbeat) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", h.cfg.Addr, h.cfg.Port)
}

// Send posts one registration. Errors are returned, never panicked.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic: %v", r)
		}
	}()
	st := h.status()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:            h.ID,
			IP:            h.ip,
			Port:          h.port,
			InstanceClass: InstanceClass(st.Provider),
			Model:         st.Model,
			Precision:     string(st.Precision),
			Ready:         st.Ready,
			TimeStamp:     time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.URL())
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("register: server returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("register: rejected by server")
	}
	return nil
}

// Run sends a heartbeat immediately and then every interval until ctx ends.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("heartbeat failed", zap.String("url", h.URL()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped")
			return nil
		case <-ticker.C:
		}
	}
}
