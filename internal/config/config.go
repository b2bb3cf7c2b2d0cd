// Package config loads a node's runtime configuration from its
// environment, the same LINEAGE_*-prefixed convention the rest of the
// ambient stack (internal/telemetry) uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything cmd/lineaged needs to start one node.
type Config struct {
	NodeID   string
	JobID    string
	DBPath   string
	NATSURL  string
	HTTPAddr string

	FlushCronExpr      string
	CompactCronExpr    string
	CommitLogRetention time.Duration
	ShutdownGrace      time.Duration

	NatsEventBuffer int
}

// Load reads a Config from the environment, applying the same defaults
// a developer running the node locally against a single NATS/bbolt pair
// would want.
func Load() (Config, error) {
	cfg := Config{
		NodeID:             envOr("LINEAGE_NODE_ID", ""),
		JobID:              envOr("LINEAGE_JOB_ID", "default"),
		DBPath:             envOr("LINEAGE_DB_PATH", "lineage.db"),
		NATSURL:            envOr("LINEAGE_NATS_URL", "nats://127.0.0.1:4222"),
		HTTPAddr:           envOr("LINEAGE_HTTP_ADDR", ":8080"),
		FlushCronExpr:      envOr("LINEAGE_FLUSH_CRON", "*/5 * * * * *"),
		CompactCronExpr:    envOr("LINEAGE_COMPACT_CRON", "0 */10 * * * *"),
		CommitLogRetention: 24 * time.Hour,
		ShutdownGrace:      10 * time.Second,
		NatsEventBuffer:    256,
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "lineage-node"
		}
		cfg.NodeID = host
	}

	if v := os.Getenv("LINEAGE_COMMIT_LOG_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse LINEAGE_COMMIT_LOG_RETENTION=%q: %w", v, err)
		}
		cfg.CommitLogRetention = d
	}

	if v := os.Getenv("LINEAGE_SHUTDOWN_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse LINEAGE_SHUTDOWN_GRACE=%q: %w", v, err)
		}
		cfg.ShutdownGrace = d
	}

	if v := os.Getenv("LINEAGE_NATS_EVENT_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse LINEAGE_NATS_EVENT_BUFFER=%q: %w", v, err)
		}
		cfg.NatsEventBuffer = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
