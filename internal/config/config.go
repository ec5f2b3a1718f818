// Package config loads daemon configuration from the environment
// (RETRAINLOCK_* variables) with sane defaults. Everything is read
// once at process start; there is no runtime reconfiguration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Node configures one lockstored instance.
type Node struct {
	Listen        string
	DBPath        string
	BusyTimeout   time.Duration
	SweepInterval time.Duration
}

// Coordinator configures retraind: the lock subsystem plus the
// scheduler and trigger surface.
type Coordinator struct {
	Listen string

	// Lock subsystem: mode, node list, ttl, per-node timeout, drift
	// factor.
	QuorumEnabled bool
	Nodes         []string
	Resource      string
	TTL           time.Duration
	NodeTimeout   time.Duration
	DriftFactor   float64

	// Retrain scheduling and trigger.
	Interval     time.Duration
	TrainerCmd   string
	TriggerToken string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RETRAINLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func LoadNode() Node {
	v := newViper()
	v.SetDefault("listen", ":8080")
	v.SetDefault("db", "./lockstored.db")
	v.SetDefault("db-busy-timeout", 5*time.Second)
	v.SetDefault("sweep-interval", 500*time.Millisecond)

	return Node{
		Listen:        v.GetString("listen"),
		DBPath:        v.GetString("db"),
		BusyTimeout:   v.GetDuration("db-busy-timeout"),
		SweepInterval: v.GetDuration("sweep-interval"),
	}
}

func LoadCoordinator() (Coordinator, error) {
	v := newViper()
	v.SetDefault("coordinator-listen", ":8090")
	v.SetDefault("quorum-enabled", false)
	v.SetDefault("nodes", "http://localhost:8080")
	v.SetDefault("lock-resource", "retrain")
	v.SetDefault("lock-ttl", 30*time.Minute)
	v.SetDefault("node-timeout", 1*time.Second)
	v.SetDefault("drift-factor", 0.01)
	v.SetDefault("retrain-interval", 24*time.Hour)
	v.SetDefault("trainer-cmd", "")
	v.SetDefault("trigger-token", "")

	cfg := Coordinator{
		Listen:        v.GetString("coordinator-listen"),
		QuorumEnabled: v.GetBool("quorum-enabled"),
		Nodes:         splitList(v.GetString("nodes")),
		Resource:      v.GetString("lock-resource"),
		TTL:           v.GetDuration("lock-ttl"),
		NodeTimeout:   v.GetDuration("node-timeout"),
		DriftFactor:   v.GetFloat64("drift-factor"),
		Interval:      v.GetDuration("retrain-interval"),
		TrainerCmd:    v.GetString("trainer-cmd"),
		TriggerToken:  v.GetString("trigger-token"),
	}

	if len(cfg.Nodes) == 0 {
		return Coordinator{}, fmt.Errorf("at least one store node address required (RETRAINLOCK_NODES)")
	}
	if cfg.TTL <= 0 {
		return Coordinator{}, fmt.Errorf("lock ttl must be > 0")
	}
	if cfg.NodeTimeout >= cfg.TTL {
		return Coordinator{}, fmt.Errorf("node timeout must be shorter than the lock ttl")
	}
	if cfg.QuorumEnabled && len(cfg.Nodes) < 3 {
		return Coordinator{}, fmt.Errorf("quorum mode needs at least 3 independent store nodes, got %d", len(cfg.Nodes))
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
