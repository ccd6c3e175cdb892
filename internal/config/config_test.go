package config

import (
	"os"
	"reflect"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "METADATA_BACKEND", "STORAGE_BACKEND", "VERIFICATION_FAILURE_POLICY",
		"AMOUNT_TOLERANCE", "AMOUNT_TOLERANCE_PERCENT", "ACCEPT_PENDING", "MAX_UPLOAD_BYTES", "MAX_UPLOAD_MB", "CURRENCY"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "3402" {
		t.Fatalf("expected default port 3402, got %q", cfg.ServerPort)
	}
	if cfg.MetadataBackend != MetadataBackendJSON || cfg.StorageBackend != StorageBackendLocal {
		t.Fatalf("unexpected default backends %q/%q", cfg.MetadataBackend, cfg.StorageBackend)
	}
	if cfg.VerificationFailurePolicy != "fail-open" || cfg.AmountTolerance != 0.01 || !cfg.AcceptPending {
		t.Fatalf("unexpected default verification policy %+v", cfg)
	}
	if cfg.MaxUploadBytes != 500*1024*1024 || cfg.Currency != "STX" || cfg.MinReferenceLength != 10 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to take precedence, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_BackendsFallBackWithoutConnectionSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "METADATA_BACKEND", "Postgres")
	unsetEnvWithCleanup(t, "DATABASE_URL")
	setEnvWithCleanup(t, "STORAGE_BACKEND", "minio")
	unsetEnvWithCleanup(t, "MINIO_ENDPOINT")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MetadataBackend != MetadataBackendJSON {
		t.Fatalf("expected json fallback without DATABASE_URL, got %q", cfg.MetadataBackend)
	}
	if cfg.StorageBackend != StorageBackendLocal {
		t.Fatalf("expected local fallback without MINIO_ENDPOINT, got %q", cfg.StorageBackend)
	}
}

func TestLoadConfig_VerificationPolicyCoercion(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		wantPolicy    string
		wantTolerance float64
		wantPending   bool
	}{
		{
			name:          "fail closed strict",
			env:           map[string]string{"VERIFICATION_FAILURE_POLICY": " FAIL-CLOSED ", "AMOUNT_TOLERANCE": "0", "ACCEPT_PENDING": "false"},
			wantPolicy:    "fail-closed",
			wantTolerance: 0,
			wantPending:   false,
		},
		{
			name:          "unknown policy and negative tolerance",
			env:           map[string]string{"VERIFICATION_FAILURE_POLICY": "yolo", "AMOUNT_TOLERANCE": "-0.2"},
			wantPolicy:    "fail-open",
			wantTolerance: 0,
			wantPending:   true,
		},
		{
			name:          "percent alias",
			env:           map[string]string{"AMOUNT_TOLERANCE_PERCENT": "2.5"},
			wantPolicy:    "fail-open",
			wantTolerance: 0.025,
			wantPending:   true,
		},
		{
			name:          "tolerance of one or more resets",
			env:           map[string]string{"AMOUNT_TOLERANCE": "1.5"},
			wantPolicy:    "fail-open",
			wantTolerance: 0.01,
			wantPending:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			for _, key := range []string{"VERIFICATION_FAILURE_POLICY", "AMOUNT_TOLERANCE", "AMOUNT_TOLERANCE_PERCENT", "ACCEPT_PENDING"} {
				unsetEnvWithCleanup(t, key)
			}
			for k, v := range tt.env {
				setEnvWithCleanup(t, k, v)
			}

			cfg, err := LoadConfig(t.TempDir())
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			if cfg.VerificationFailurePolicy != tt.wantPolicy {
				t.Fatalf("expected policy %q, got %q", tt.wantPolicy, cfg.VerificationFailurePolicy)
			}
			if cfg.AmountTolerance != tt.wantTolerance {
				t.Fatalf("expected tolerance %f, got %f", tt.wantTolerance, cfg.AmountTolerance)
			}
			if cfg.AcceptPending != tt.wantPending {
				t.Fatalf("expected accept pending %t, got %t", tt.wantPending, cfg.AcceptPending)
			}
		})
	}
}

func TestLoadConfig_MaxUploadMegabytes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "MAX_UPLOAD_BYTES")
	setEnvWithCleanup(t, "MAX_UPLOAD_MB", "50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MaxUploadBytes != 50*1024*1024 {
		t.Fatalf("expected 50 MiB limit, got %d", cfg.MaxUploadBytes)
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CURRENCY")
	unsetEnvWithCleanup(t, "MIN_REFERENCE_LENGTH")
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/.env", []byte("CURRENCY=stx\nMIN_REFERENCE_LENGTH=64\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Currency != "STX" || cfg.MinReferenceLength != 64 {
		t.Fatalf("expected values from .env, got currency=%q min_ref=%d", cfg.Currency, cfg.MinReferenceLength)
	}
}

func TestConfig_AllowedOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: []string{"*"}},
		{raw: " , ", want: []string{"*"}},
		{raw: "https://a.example, https://b.example", want: []string{"https://a.example", "https://b.example"}},
	}
	for _, tt := range tests {
		if got := (Config{CORSAllowedOrigins: tt.raw}).AllowedOrigins(); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("origins %q: expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
