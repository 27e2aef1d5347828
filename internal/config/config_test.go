package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/caseflow/waflow/internal/config"
)

// setRequiredEnv sets the minimal environment a successful load needs.
// Individual tests unset or override entries as required.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"BUCKET_NAME":        "cases",
		"BUCKET_REGION":      "atl1",
		"BUCKET_KEY":         "AKID",
		"BUCKET_KEY_SECRET":  "secret",
		"WA_TOKEN":           "wa-token",
		"WA_VERIFY_TOKEN":    "verify-token",
		"OPENROUTER_API_KEY": "or-key",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
	// Keep ambient provider keys from leaking into provider-selection tests.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MISTRAL_API_KEY", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("QUEUE_DB_NAME", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.QueueDBName != "queue.sqlite3" {
		t.Errorf("QueueDBName = %q, want %q", cfg.QueueDBName, "queue.sqlite3")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if got := cfg.BucketEndpoint(); got != "https://atl1.digitaloceanspaces.com" {
		t.Errorf("BucketEndpoint() = %q", got)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name   string
		unset  string
		wantIn string
	}{
		{name: "missing wa token", unset: "WA_TOKEN", wantIn: "WA_TOKEN"},
		{name: "missing verify token", unset: "WA_VERIFY_TOKEN", wantIn: "WA_VERIFY_TOKEN"},
		{name: "missing bucket name", unset: "BUCKET_NAME", wantIn: "BUCKET_NAME"},
		{name: "missing bucket secret", unset: "BUCKET_KEY_SECRET", wantIn: "BUCKET_KEY_SECRET"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.unset, "")

			_, err := config.Load("")
			if err == nil {
				t.Fatalf("Load() succeeded without %s", tc.unset)
			}
			if !errors.Is(err, config.ErrValidation) {
				t.Errorf("error is not ErrValidation: %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantIn) {
				t.Errorf("error %q does not name %s", err, tc.wantIn)
			}
		})
	}
}

func TestLoadRequiresProviderKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "")

	_, err := config.Load("")
	if err == nil {
		t.Fatal("Load() succeeded with no provider API key")
	}
	if !errors.Is(err, config.ErrValidation) {
		t.Errorf("error is not ErrValidation: %v", err)
	}
}

func TestBucketKeyLegacyAlias(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BUCKET_KEY", "")
	t.Setenv("BUCKET_KEY_ID", "legacy-akid")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.BucketKey != "legacy-akid" {
		t.Errorf("BucketKey = %q, want legacy alias value", cfg.BucketKey)
	}
}

func TestSelectedProvider(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		want     config.Provider
		wantFail bool
	}{
		{
			name: "openrouter wins over openai",
			env:  map[string]string{"OPENROUTER_API_KEY": "a", "OPENAI_API_KEY": "b"},
			want: config.ProviderOpenRouter,
		},
		{
			name: "openai wins over mistral",
			env:  map[string]string{"OPENROUTER_API_KEY": "", "OPENAI_API_KEY": "b", "MISTRAL_API_KEY": "c"},
			want: config.ProviderOpenAI,
		},
		{
			name: "mistral only",
			env:  map[string]string{"OPENROUTER_API_KEY": "", "MISTRAL_API_KEY": "c"},
			want: config.ProviderMistral,
		},
		{
			name: "explicit override",
			env:  map[string]string{"OPENROUTER_API_KEY": "a", "MISTRAL_API_KEY": "c", "LLM_PROVIDER": "mistral"},
			want: config.ProviderMistral,
		},
		{
			name:     "override without matching key",
			env:      map[string]string{"OPENROUTER_API_KEY": "a", "LLM_PROVIDER": "openai"},
			wantFail: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := config.Load("")
			if tc.wantFail {
				if err == nil {
					t.Fatal("Load() succeeded, want validation failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() returned error: %v", err)
			}
			if got := cfg.SelectedProvider(); got != tc.want {
				t.Errorf("SelectedProvider() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestQueueDBNameOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_DB_NAME", "custom.sqlite3")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.QueueDBName != "custom.sqlite3" {
		t.Errorf("QueueDBName = %q, want %q", cfg.QueueDBName, "custom.sqlite3")
	}
}
