// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	TripoAPIKey  string `validate:"required"`
	TripoBaseURL string `validate:"required,url"`

	SupabaseURL        string `validate:"required,url"`
	SupabaseServiceKey string `validate:"required"`
	SupabaseBucket     string `validate:"required"`

	UploadDir string `validate:"required"`
	OutputDir string `validate:"required"`
	APIPort   string `validate:"required,numeric"`
	// WorkerID names this process in the history ledger and must survive restarts.
	WorkerID string `validate:"required"`

	PollInterval            time.Duration `validate:"gt=0"`
	JobMaxWait              time.Duration `validate:"gtfield=PollInterval"`
	ConversionMaxWait       time.Duration `validate:"gtfield=PollInterval"`
	DisconnectCheckInterval time.Duration `validate:"gt=0"`
	OutputSweepAge          time.Duration `validate:"gt=0"`

	OutputFormats []string `validate:"min=1,dive,alphanum"`

	DB DBConfig
}

// DBConfig is only used when Host is set.
type DBConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	SSLMode  string `validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

func (d DBConfig) Enabled() bool { return d.Host != "" }

func (d DBConfig) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		d.User, d.Password, d.Name, d.Host, d.Port, d.SSLMode)
}

// Load reads .env (if any) and the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		TripoAPIKey:        os.Getenv("TRIPO3D_API_KEY"),
		TripoBaseURL:       getEnv("TRIPO3D_BASE_URL", "https://api.tripo3d.ai/v2/openapi"),
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket:     os.Getenv("SUPABASE_BUCKET"),

		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir: getEnv("OUTPUT_DIR", "./output"),
		APIPort:   getEnv("API_PORT", "8080"),
		WorkerID:  getEnv("WORKER_ID", hostname()),

		PollInterval:            getDuration("POLL_INTERVAL", 2*time.Second),
		JobMaxWait:              getDuration("JOB_MAX_WAIT", 5*time.Minute),
		ConversionMaxWait:       getDuration("CONVERSION_MAX_WAIT", 2*time.Minute),
		DisconnectCheckInterval: getDuration("DISCONNECT_CHECK_INTERVAL", time.Second),
		OutputSweepAge:          getDuration("OUTPUT_SWEEP_AGE", time.Hour),

		OutputFormats: splitList(getEnv("OUTPUT_FORMATS", "glb,usdz")),

		DB: DBConfig{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			Host:     os.Getenv("DB_HOST"),
			Port:     getEnv("DB_PORT", "5432"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "meshworker"
	}
	return h
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// logging is not wired yet when config loads
		fmt.Printf("Failed to parse %s '%s', defaulting to %s: %v\n", key, raw, fallback, err)
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
