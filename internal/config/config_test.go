package config

import "testing"

func TestParsePairs(t *testing.T) {
	got := parsePairs(" Shopify:shpss_1, stripe:whsec:with:colons ,bad, :empty,nokey:", true)
	if len(got) != 2 {
		t.Fatalf("expected 2 pairs, got %v", got)
	}
	if got["shopify"] != "shpss_1" {
		t.Fatalf("unexpected shopify secret %q", got["shopify"])
	}
	if got["stripe"] != "whsec:with:colons" {
		t.Fatalf("unexpected stripe secret %q", got["stripe"])
	}

	keys := parsePairs("AbC:operator", false)
	if keys["AbC"] != "operator" {
		t.Fatalf("expected case preserved, got %v", keys)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ORDER_WEBHOOK_SECRETS", "shopify:s1")
	t.Setenv("ADMIN_KEYS", "k1:operator,k2:viewer")
	t.Setenv("REGISTRY_ADAPTER", " Memory ")
	t.Setenv("RATE_LIMIT_WEBHOOK_RATE", "2.5")
	t.Setenv("RATE_LIMIT_ENABLED", "yes")
	t.Setenv("SNOWFLAKE_NODE", "not-a-number")

	cfg := Load()
	if cfg.Webhooks.OrderSecrets["shopify"] != "s1" {
		t.Fatalf("unexpected order secrets %v", cfg.Webhooks.OrderSecrets)
	}
	if cfg.AdminKeys["k2"] != "viewer" {
		t.Fatalf("unexpected admin keys %v", cfg.AdminKeys)
	}
	if cfg.Registry.Adapter != "memory" {
		t.Fatalf("unexpected adapter %q", cfg.Registry.Adapter)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.WebhookRate != 2.5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.NodeID != 1 {
		t.Fatalf("expected default node id, got %d", cfg.NodeID)
	}
}
