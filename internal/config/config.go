// Package config loads the worker's TOML configuration and watches it
// for runtime-tunable changes.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the worker daemon configuration.
type Config struct {
	WorkerID           string
	Listen             string
	AdminListen        string
	AdminToken         string
	LogLevel           string
	Handler            string
	MaxConns           int
	MaxRequestsPerConn int
	CorsOrigins        []string
}

func Default() Config {
	return Config{
		WorkerID:           "fcgid.local",
		Listen:             "127.0.0.1:9000",
		AdminListen:        "127.0.0.1:9901",
		LogLevel:           "info",
		Handler:            "echo",
		MaxConns:           64,
		MaxRequestsPerConn: 1,
	}
}

type fileConfig struct {
	WorkerID           string   `toml:"worker_id"`
	Listen             string   `toml:"listen"`
	AdminListen        string   `toml:"admin_listen"`
	AdminToken         string   `toml:"admin_token"`
	LogLevel           string   `toml:"log_level"`
	Handler            string   `toml:"handler"`
	MaxConns           int      `toml:"max_conns"`
	MaxRequestsPerConn int      `toml:"max_requests_per_conn"`
	CorsOrigins        []string `toml:"cors_origins"`
}

// Load reads path and overlays it on the defaults. Only keys present
// in the file override; absent keys keep their default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load worker config: %w", err)
	}

	if meta.IsDefined("worker_id") {
		if id := strings.TrimSpace(raw.WorkerID); id != "" {
			cfg.WorkerID = id
		}
	}
	if meta.IsDefined("listen") {
		if addr := strings.TrimSpace(raw.Listen); addr != "" {
			cfg.Listen = addr
		}
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("handler") {
		cfg.Handler = strings.TrimSpace(raw.Handler)
	}
	if meta.IsDefined("max_conns") {
		if raw.MaxConns <= 0 {
			return Config{}, fmt.Errorf("load worker config: max_conns must be positive, got %d", raw.MaxConns)
		}
		cfg.MaxConns = raw.MaxConns
	}
	if meta.IsDefined("max_requests_per_conn") {
		if raw.MaxRequestsPerConn <= 0 {
			return Config{}, fmt.Errorf("load worker config: max_requests_per_conn must be positive, got %d", raw.MaxRequestsPerConn)
		}
		cfg.MaxRequestsPerConn = raw.MaxRequestsPerConn
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
