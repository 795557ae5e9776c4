package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	AssignmentPolicyRandom = "random"
	AssignmentPolicyFirst  = "first"
)

// FulfillmentConfig holds the tunables of the order fulfillment pipeline.
// It is read from fulfillment.yml and reloaded when the file changes.
type FulfillmentConfig struct {
	PipelineBudget time.Duration `mapstructure:"pipelineBudget"`
	RegistryCall   time.Duration `mapstructure:"registryCall"`
	StoreCall      time.Duration `mapstructure:"storeCall"`
	MailSend       time.Duration `mapstructure:"mailSend"`
	QueueSubmit    time.Duration `mapstructure:"queueSubmit"`

	AssignmentPolicy string `mapstructure:"assignmentPolicy"`

	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Redrive    RedriveConfig    `mapstructure:"redrive"`
}

type EnrichmentConfig struct {
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	BackoffBase  time.Duration `mapstructure:"backoffBase"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	// ProcessingLease is how long a claimed job may stay PROCESSING before
	// another runner takes it over.
	ProcessingLease time.Duration `mapstructure:"processingLease"`
}

type RedriveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batchSize"`
	MinAge    time.Duration `mapstructure:"minAge"`
	LockTTL   time.Duration `mapstructure:"lockTTL"`
}

func DefaultFulfillmentConfig() FulfillmentConfig {
	return FulfillmentConfig{
		PipelineBudget:   30 * time.Second,
		RegistryCall:     5 * time.Second,
		StoreCall:        5 * time.Second,
		MailSend:         10 * time.Second,
		QueueSubmit:      5 * time.Second,
		AssignmentPolicy: AssignmentPolicyRandom,
		Enrichment: EnrichmentConfig{
			Workers:      2,
			MaxAttempts:  3,
			BackoffBase:  2 * time.Second,
			PollInterval: time.Second,
			BatchSize:    10,

			ProcessingLease: 5 * time.Minute,
		},
		Redrive: RedriveConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchSize: 25,
			MinAge:    30 * time.Second,
			LockTTL:   time.Minute,
		},
	}
}

type FulfillmentConfigHolder struct {
	current atomic.Value // holds FulfillmentConfig
}

// NewStaticFulfillmentConfigHolder returns a holder that never reloads.
func NewStaticFulfillmentConfigHolder(cfg FulfillmentConfig) *FulfillmentConfigHolder {
	holder := &FulfillmentConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewFulfillmentConfigHolder(log *zap.Logger) (*FulfillmentConfigHolder, error) {
	log = log.Named("config.fulfillment")
	v := viper.New()

	v.SetConfigName("fulfillment")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/impactledger/config")
	v.AddConfigPath("/etc/impactledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("IMPACTLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFulfillmentConfig()
	setFulfillmentDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("fulfillment config file not found, using defaults")
	}

	var cfg FulfillmentConfig
	if err := v.UnmarshalKey("fulfillment", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateFulfillmentConfig(cfg); err != nil {
		return nil, err
	}

	holder := &FulfillmentConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FulfillmentConfig
		if err := v.UnmarshalKey("fulfillment", &updated); err != nil {
			log.Warn("fulfillment config reload failed", zap.Error(err))
			return
		}
		updated = updated.withDefaults()
		if err := validateFulfillmentConfig(updated); err != nil {
			log.Warn("invalid fulfillment config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("fulfillment config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *FulfillmentConfigHolder) Get() FulfillmentConfig {
	if h == nil {
		return DefaultFulfillmentConfig()
	}
	cfg, ok := h.current.Load().(FulfillmentConfig)
	if !ok {
		return DefaultFulfillmentConfig()
	}
	return cfg
}

func setFulfillmentDefaults(v *viper.Viper, d FulfillmentConfig) {
	v.SetDefault("fulfillment.pipelineBudget", d.PipelineBudget)
	v.SetDefault("fulfillment.registryCall", d.RegistryCall)
	v.SetDefault("fulfillment.storeCall", d.StoreCall)
	v.SetDefault("fulfillment.mailSend", d.MailSend)
	v.SetDefault("fulfillment.queueSubmit", d.QueueSubmit)
	v.SetDefault("fulfillment.assignmentPolicy", d.AssignmentPolicy)
	v.SetDefault("fulfillment.enrichment.workers", d.Enrichment.Workers)
	v.SetDefault("fulfillment.enrichment.maxAttempts", d.Enrichment.MaxAttempts)
	v.SetDefault("fulfillment.enrichment.backoffBase", d.Enrichment.BackoffBase)
	v.SetDefault("fulfillment.enrichment.pollInterval", d.Enrichment.PollInterval)
	v.SetDefault("fulfillment.enrichment.batchSize", d.Enrichment.BatchSize)
	v.SetDefault("fulfillment.enrichment.processingLease", d.Enrichment.ProcessingLease)
	v.SetDefault("fulfillment.redrive.enabled", d.Redrive.Enabled)
	v.SetDefault("fulfillment.redrive.interval", d.Redrive.Interval)
	v.SetDefault("fulfillment.redrive.batchSize", d.Redrive.BatchSize)
	v.SetDefault("fulfillment.redrive.minAge", d.Redrive.MinAge)
	v.SetDefault("fulfillment.redrive.lockTTL", d.Redrive.LockTTL)
}

func (c FulfillmentConfig) withDefaults() FulfillmentConfig {
	d := DefaultFulfillmentConfig()
	if c.PipelineBudget <= 0 {
		c.PipelineBudget = d.PipelineBudget
	}
	if c.RegistryCall <= 0 {
		c.RegistryCall = d.RegistryCall
	}
	if c.StoreCall <= 0 {
		c.StoreCall = d.StoreCall
	}
	if c.MailSend <= 0 {
		c.MailSend = d.MailSend
	}
	if c.QueueSubmit <= 0 {
		c.QueueSubmit = d.QueueSubmit
	}
	c.AssignmentPolicy = strings.ToLower(strings.TrimSpace(c.AssignmentPolicy))
	if c.AssignmentPolicy == "" {
		c.AssignmentPolicy = d.AssignmentPolicy
	}
	if c.Enrichment.Workers <= 0 {
		c.Enrichment.Workers = d.Enrichment.Workers
	}
	if c.Enrichment.MaxAttempts <= 0 {
		c.Enrichment.MaxAttempts = d.Enrichment.MaxAttempts
	}
	if c.Enrichment.BackoffBase <= 0 {
		c.Enrichment.BackoffBase = d.Enrichment.BackoffBase
	}
	if c.Enrichment.PollInterval <= 0 {
		c.Enrichment.PollInterval = d.Enrichment.PollInterval
	}
	if c.Enrichment.BatchSize <= 0 {
		c.Enrichment.BatchSize = d.Enrichment.BatchSize
	}
	if c.Enrichment.ProcessingLease <= 0 {
		c.Enrichment.ProcessingLease = d.Enrichment.ProcessingLease
	}
	if c.Redrive.Interval <= 0 {
		c.Redrive.Interval = d.Redrive.Interval
	}
	if c.Redrive.BatchSize <= 0 {
		c.Redrive.BatchSize = d.Redrive.BatchSize
	}
	if c.Redrive.MinAge <= 0 {
		c.Redrive.MinAge = d.Redrive.MinAge
	}
	if c.Redrive.LockTTL <= 0 {
		c.Redrive.LockTTL = d.Redrive.LockTTL
	}
	return c
}

func validateFulfillmentConfig(cfg FulfillmentConfig) error {
	switch cfg.AssignmentPolicy {
	case AssignmentPolicyRandom, AssignmentPolicyFirst:
	default:
		return errors.New("fulfillment.assignmentPolicy must be random or first")
	}
	if cfg.RegistryCall > cfg.PipelineBudget {
		return errors.New("fulfillment.registryCall cannot exceed pipelineBudget")
	}
	if cfg.Enrichment.MaxAttempts > 10 {
		return errors.New("fulfillment.enrichment.maxAttempts cannot exceed 10")
	}
	return nil
}
