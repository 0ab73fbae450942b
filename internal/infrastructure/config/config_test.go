package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("SEFAZ_ENVIRONMENT", "homologacao")
	t.Setenv("LIFECYCLE_QUEUE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "gonfpe" {
		t.Errorf("expected default app name 'gonfpe', got %q", cfg.App.Name)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Sefaz.MaxAttempts != 3 {
		t.Errorf("expected 3 SEFAZ attempts, got %d", cfg.Sefaz.MaxAttempts)
	}
	if cfg.Sefaz.BackoffStep != 2*time.Second {
		t.Errorf("expected 2s backoff step, got %v", cfg.Sefaz.BackoffStep)
	}
	if cfg.Sefaz.Timeout != 60*time.Second {
		t.Errorf("expected 60s SEFAZ timeout, got %v", cfg.Sefaz.Timeout)
	}
	if cfg.Sefaz.AmbientCode() != "2" {
		t.Errorf("expected homologation tpAmb 2, got %q", cfg.Sefaz.AmbientCode())
	}
	if cfg.Sefaz.Endpoints.Authorization == "" {
		t.Error("expected authorization endpoint to be resolved")
	}
	if cfg.Lifecycle.Queue != "memory" {
		t.Errorf("expected memory queue by default, got %q", cfg.Lifecycle.Queue)
	}
}

func TestLoad_ProductionEndpoints(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("SEFAZ_ENVIRONMENT", "PRODUCAO")
	t.Setenv("SEFAZ_URL_CONSULTA", "https://override.example/consulta")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sefaz.AmbientCode() != "1" {
		t.Errorf("expected production tpAmb 1, got %q", cfg.Sefaz.AmbientCode())
	}
	if cfg.Sefaz.Endpoints.Query != "https://override.example/consulta" {
		t.Errorf("expected overridden query endpoint, got %q", cfg.Sefaz.Endpoints.Query)
	}
	if cfg.Sefaz.Endpoints.Status != sefazMTEndpoints[EnvironmentProduction].Status {
		t.Errorf("unexpected status endpoint %q", cfg.Sefaz.Endpoints.Status)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown environment",
			env:     map[string]string{"SEFAZ_ENVIRONMENT": "sandbox"},
			wantErr: `invalid config: SEFAZ_ENVIRONMENT must be "homologacao" or "producao"`,
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"SEFAZ_MAX_ATTEMPTS": "0"},
			wantErr: "invalid config: SEFAZ_MAX_ATTEMPTS must be at least 1",
		},
		{
			name:    "redis queue without address",
			env:     map[string]string{"LIFECYCLE_QUEUE": "redis", "REDIS_ADDR": ""},
			wantErr: "invalid config: REDIS_ADDR is required when LIFECYCLE_QUEUE=redis",
		},
		{
			name:    "stale release shorter than an attempt",
			env:     map[string]string{"LIFECYCLE_STALE_AFTER": "10m"},
			wantErr: "invalid config: LIFECYCLE_STALE_AFTER must exceed the longest processing attempt (21m57s)",
		},
		{
			name:    "erp enabled without url",
			env:     map[string]string{"ERP_ENABLED": "true", "TOTVS_API_URL": ""},
			wantErr: "invalid config: TOTVS_API_URL is required when ERP_ENABLED=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTH_ENABLED", "false")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("unexpected error message: %v", err)
			}
		})
	}
}

func TestLoad_AuthEnabled_MissingIssuerURI(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_ISSUER_URI", "")
	t.Setenv("JWT_JWK_SET_URI", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when AUTH_ENABLED=true and JWT_ISSUER_URI is missing")
	}
	if err.Error() != "invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSefazSettings_AttemptBudget(t *testing.T) {
	s := SefazSettings{
		Timeout:      60 * time.Second,
		MaxAttempts:  3,
		BackoffStep:  2 * time.Second,
		PollAttempts: 5,
		PollInterval: 3 * time.Second,
	}
	if got := s.CallBudget(); got != 186*time.Second {
		t.Errorf("expected 186s per call, got %v", got)
	}
	if got := s.AttemptBudget(); got != 1317*time.Second {
		t.Errorf("expected 1317s per attempt, got %v", got)
	}
}

func TestLoad_StaleReleaseCanBeDisabled(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("LIFECYCLE_STALE_AFTER", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lifecycle.StaleAfter != 0 {
		t.Errorf("expected stale release disabled, got %v", cfg.Lifecycle.StaleAfter)
	}
}

func TestHTTPSettings_Address(t *testing.T) {
	settings := HTTPSettings{Port: 8080}
	if addr := settings.Address(); addr != ":8080" {
		t.Errorf("expected address ':8080', got %q", addr)
	}
}

func TestDatabaseSettings_DSN(t *testing.T) {
	d := DatabaseSettings{Host: "db", Port: 5432, Database: "nfpe", User: "app", SSLMode: "disable"}
	want := "host=db port=5432 dbname=nfpe user=app sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	d.Password = "s3"
	if got := d.DSN(); got != want+" password=s3" {
		t.Errorf("expected password appended, got %q", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback time.Duration
		expected time.Duration
	}{
		{"valid duration", "10s", 0, 10 * time.Second},
		{"minutes", "5m", 0, 5 * time.Minute},
		{"bare seconds", "60", 0, 60 * time.Second},
		{"invalid value", "not-a-duration", 30 * time.Second, 30 * time.Second},
		{"empty value", "", 30 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)
			if result := getEnvAsDuration("TEST_DURATION", tt.fallback); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback int
		expected int
	}{
		{"valid int", "123", 0, 123},
		{"zero", "0", 999, 0},
		{"invalid value", "not-a-number", 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.envValue)
			if result := getEnvAsInt("TEST_INT", tt.fallback); result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestGetEnvAsCSV(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		fallback []string
		expected []string
	}{
		{"multiple values", "a,b,c", []string{"x"}, []string{"a", "b", "c"}},
		{"with spaces", "a, b , c", []string{"x"}, []string{"a", "b", "c"}},
		{"empty values filtered", "a,, ,b", []string{"x"}, []string{"a", "b"}},
		{"only spaces", " , , ", []string{"x"}, []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_CSV", tt.envValue)
			result := getEnvAsCSV("TEST_CSV", tt.fallback)
			if len(result) != len(tt.expected) {
				t.Fatalf("expected %d values, got %d", len(tt.expected), len(result))
			}
			for i, expected := range tt.expected {
				if result[i] != expected {
					t.Errorf("expected[%d] %q, got %q", i, expected, result[i])
				}
			}
		})
	}
}
