package cloudmetrics

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/smallbiznis/impactledger/internal/config"
	"go.uber.org/zap"
)

const defaultPushTimeout = 5 * time.Second

// Pusher ships a gathered registry to an external collector.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry) error
}

// NewPusher returns nil when no Pushgateway is configured. A bad endpoint is
// logged and disables pushing rather than failing startup.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Metrics.Enabled() {
		return nil
	}

	endpoint := strings.TrimSpace(cfg.Metrics.PushgatewayURL)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		logger.Warn("metrics push disabled", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	job := strings.TrimSpace(cfg.Metrics.Job)
	if job == "" {
		job = cfg.AppName
	}
	return NewPushgatewayPusher(endpoint, job, map[string]string{
		"environment": strings.TrimSpace(cfg.Environment),
	})
}

// PushgatewayPusher replaces the job's metric group on every push.
type PushgatewayPusher struct {
	endpoint   string
	job        string
	grouping   map[string]string
	httpClient *http.Client
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint:   strings.TrimSpace(endpoint),
		job:        strings.TrimSpace(job),
		grouping:   grouping,
		httpClient: &http.Client{Timeout: defaultPushTimeout},
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	if p.endpoint == "" {
		return errors.New("pushgateway endpoint is required")
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(registry).Client(p.httpClient)
	for key, value := range p.grouping {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	return pusher.PushContext(ctx)
}
