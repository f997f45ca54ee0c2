// Package config loads the gateway's process-start configuration from
// environment variables. There is no file to watch and no reload endpoint:
// the Non-goals in spec.md are explicit that this gateway has no dynamic
// reconfiguration control plane.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tenantproxy/gateway/internal/routing"
)

// Default listen ports, per spec.md §6. The ops port and timing defaults are
// ambient additions spec.md is silent on (SPEC_FULL.md §2/§7/§8).
const (
	DefaultListenHost       = "0.0.0.0"
	DefaultPGPort           = 55432
	DefaultMySQLPort        = 53306
	DefaultTDSPort          = 51433
	DefaultOpsPort          = 59090
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
)

// ListenConfig holds the bind address and the three listen ports plus the
// ops HTTP port.
type ListenConfig struct {
	Host      string
	PGPort    int
	MySQLPort int
	TDSPort   int
	OpsPort   int
}

// Config is the fully loaded, validated gateway configuration.
type Config struct {
	Listen ListenConfig

	Postgres  routing.UpstreamMap
	MySQL     routing.UpstreamMap
	SQLServer routing.UpstreamMap

	HandshakeTimeout    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// upstreamEntry mirrors the JSON schema from spec.md §6 for a single
// UpstreamTarget. Unknown fields are rejected by the decoder.
type upstreamEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database,omitempty"`
}

// Load builds a Config from the process environment. It never reads a file
// and never watches for changes — config is a one-shot, start-of-process
// operation (spec.md §6, §9).
func Load() (*Config, error) {
	listen := ListenConfig{
		Host: envOrDefault("PROXY_LISTEN_HOST", DefaultListenHost),
	}

	var err error
	if listen.PGPort, err = envPortOrDefault("PROXY_PG_PORT", DefaultPGPort); err != nil {
		return nil, err
	}
	if listen.MySQLPort, err = envPortOrDefault("PROXY_MYSQL_PORT", DefaultMySQLPort); err != nil {
		return nil, err
	}
	if listen.TDSPort, err = envPortOrDefault("PROXY_SQLSERVER_PORT", DefaultTDSPort); err != nil {
		return nil, err
	}
	if listen.OpsPort, err = envPortOrDefault("PROXY_OPS_PORT", DefaultOpsPort); err != nil {
		return nil, err
	}

	pg, err := loadUpstreams("PROXY_POSTGRES_UPSTREAMS")
	if err != nil {
		return nil, err
	}
	mysql, err := loadUpstreams("PROXY_MYSQL_UPSTREAMS")
	if err != nil {
		return nil, err
	}
	tds, err := loadUpstreams("PROXY_SQLSERVER_UPSTREAMS")
	if err != nil {
		return nil, err
	}

	return &Config{
		Listen:              listen,
		Postgres:            pg,
		MySQL:               mysql,
		SQLServer:           tds,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		HealthCheckInterval: DefaultHealthInterval,
		HealthCheckTimeout:  DefaultHealthTimeout,
	}, nil
}

func envOrDefault(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envPortOrDefault(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%s: invalid port %q", name, raw)
	}
	return port, nil
}

// loadUpstreams decodes one of the three *_UPSTREAMS environment variables
// into an UpstreamMap. An unset or blank variable yields an empty map, not
// an error — a protocol with no configured tenants simply fails every
// lookup until the wildcard (if any) is reached.
func loadUpstreams(envName string) (routing.UpstreamMap, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return routing.UpstreamMap{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var parsed map[string]upstreamEntry
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: must be a JSON object of upstream targets: %w", envName, err)
	}

	result := make(routing.UpstreamMap, len(parsed))
	for key, entry := range parsed {
		host := strings.TrimSpace(entry.Host)
		if host == "" {
			return nil, fmt.Errorf("%s.%s.host is required", envName, key)
		}
		if entry.Port <= 0 || entry.Port > 65535 {
			return nil, fmt.Errorf("%s.%s.port must be between 1 and 65535", envName, key)
		}

		normalizedKey := strings.ToLower(strings.TrimSpace(key))
		if normalizedKey == "" {
			return nil, fmt.Errorf("%s: upstream key must not be blank", envName)
		}

		result[normalizedKey] = routing.UpstreamTarget{
			Host:     host,
			Port:     entry.Port,
			Database: strings.TrimSpace(entry.Database),
		}
	}
	return result, nil
}
