package config

import (
	"testing"
	"time"
)

func TestFulfillmentConfigWithDefaults(t *testing.T) {
	cfg := FulfillmentConfig{PipelineBudget: 10 * time.Second}.withDefaults()

	if cfg.PipelineBudget != 10*time.Second {
		t.Fatalf("expected explicit budget to be kept, got %s", cfg.PipelineBudget)
	}
	if cfg.Enrichment.MaxAttempts != 3 {
		t.Fatalf("expected 3 enrichment attempts, got %d", cfg.Enrichment.MaxAttempts)
	}
	if cfg.Enrichment.BackoffBase != 2*time.Second {
		t.Fatalf("expected 2s backoff base, got %s", cfg.Enrichment.BackoffBase)
	}
	if cfg.AssignmentPolicy != AssignmentPolicyRandom {
		t.Fatalf("expected random assignment policy, got %q", cfg.AssignmentPolicy)
	}
}

func TestValidateFulfillmentConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*FulfillmentConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*FulfillmentConfig) {}},
		{name: "first policy", mutate: func(c *FulfillmentConfig) { c.AssignmentPolicy = AssignmentPolicyFirst }},
		{name: "unknown policy", mutate: func(c *FulfillmentConfig) { c.AssignmentPolicy = "weighted" }, wantErr: true},
		{name: "registry call over budget", mutate: func(c *FulfillmentConfig) { c.RegistryCall = time.Hour }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultFulfillmentConfig()
			tc.mutate(&cfg)
			err := validateFulfillmentConfig(cfg)
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStaticHolder(t *testing.T) {
	holder := NewStaticFulfillmentConfigHolder(FulfillmentConfig{AssignmentPolicy: "FIRST"})
	if got := holder.Get().AssignmentPolicy; got != AssignmentPolicyFirst {
		t.Fatalf("expected first policy, got %q", got)
	}

	var nilHolder *FulfillmentConfigHolder
	if nilHolder.Get().PipelineBudget != 30*time.Second {
		t.Fatalf("expected defaults from nil holder")
	}
}
