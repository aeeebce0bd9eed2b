package concurrency

import (
	"fmt"
	"os"
	"runtime"
)

// ConfigSource indicates where the concurrency limit came from.
type ConfigSource string

const (
	ConfigSourceExplicit   ConfigSource = "explicit"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the render concurrency limit.
type Config struct {
	MaxConcurrent int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// ResolveConfig picks the concurrency limit: an explicit positive value wins, otherwise
// it is derived from the effective CPU count. Report generation is CPU bound, so the
// defaults stay close to the CPU count.
func ResolveConfig(maxConcurrent int) *Config {
	cfg := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent > 0 {
		cfg.MaxConcurrent = maxConcurrent
		cfg.Source = ConfigSourceExplicit
		return cfg
	}

	cfg.MaxConcurrent = defaultMaxConcurrent(cfg.IsKubernetes, cfg.EffectiveCPUs)
	cfg.Source = ConfigSourceAutoDetect
	return cfg
}

// Kubernetes sets KUBERNETES_SERVICE_HOST in every container.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	if isK8s {
		return cpus
	}
	return cpus * 2
}

// String returns a formatted string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Config{MaxConcurrent: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent, c.IsKubernetes, c.EffectiveCPUs, c.Source)
}
