package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_ACCESS_SECRET", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL to fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")
	t.Setenv("JWT_ACCESS_SECRET", "secret")
	t.Setenv("CORS_ALLOW_CREDENTIALS", "false")
	t.Setenv("PIPELINE_STAGES", "")
	t.Setenv("LEASE_TTL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.GetPipelineStages()) != len(DefaultPipelineStages) {
		t.Fatalf("expected default stages, got %v", cfg.GetPipelineStages())
	}
	if cfg.GetLeaseTTL() != 30*time.Second {
		t.Fatalf("expected 30s lease ttl, got %s", cfg.GetLeaseTTL())
	}
	if cfg.GetAutomationLocation() == nil {
		t.Fatal("expected automation location to be set")
	}
}

func TestLoadRejectsDuplicateStages(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")
	t.Setenv("JWT_ACCESS_SECRET", "secret")
	t.Setenv("PIPELINE_STAGES", "new,reviewing,new")

	if _, err := Load(); err == nil {
		t.Fatal("expected duplicate stage to fail")
	}
}

func TestLoadRejectsNonPositiveLeaseTTL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")
	t.Setenv("JWT_ACCESS_SECRET", "secret")
	t.Setenv("LEASE_TTL", "0s")

	if _, err := Load(); err == nil {
		t.Fatal("expected zero lease ttl to fail")
	}
}

func TestLoadIntegrationEndpoints(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")
	t.Setenv("JWT_ACCESS_SECRET", "secret")
	t.Setenv("INTEGRATION_ENDPOINTS", "crm=https://crm.example/hook, ads = https://ads.example/conv")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	endpoints := cfg.GetIntegrationEndpoints()
	if endpoints["crm"] != "https://crm.example/hook" || endpoints["ads"] != "https://ads.example/conv" {
		t.Fatalf("unexpected endpoints %v", endpoints)
	}

	t.Setenv("INTEGRATION_ENDPOINTS", "crm")
	if _, err := Load(); err == nil {
		t.Fatal("expected malformed endpoint list to fail")
	}
}
