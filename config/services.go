package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the simulation worker runtime.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the stuck-simulation reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns
// the enabled services. It validates that all names are valid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains simulation worker runtime configuration.
type WorkerConfig struct {
	// NodeName identifies this worker instance in claim tokens.
	// Defaults to the hostname when empty.
	NodeName string `env:"WORKER_NODE_NAME" envDefault:""`

	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// QueueKey is the Redis list the submission path pushes simulation ids to.
	QueueKey string `env:"WORKER_QUEUE_KEY" envDefault:"simulations:pending"`

	// QueueWaitTimeout bounds each blocking pop on the queue so workers can
	// notice shutdown and fall back to store polling.
	QueueWaitTimeout time.Duration `env:"WORKER_QUEUE_WAIT_TIMEOUT" envDefault:"5s"`

	// PollInterval is how often workers scan the store for pending
	// simulations when the queue is idle or disabled.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"3s"`

	// CancelPollInterval is how often a running simulation re-reads its
	// record to honour cooperative cancellation.
	CancelPollInterval time.Duration `env:"WORKER_CANCEL_POLL_INTERVAL" envDefault:"2s"`

	// ClaimBatchSize is the number of pending candidates fetched per scan.
	ClaimBatchSize int `env:"WORKER_CLAIM_BATCH_SIZE" envDefault:"10"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	w.NodeName = strings.TrimSpace(w.NodeName)
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if strings.TrimSpace(w.QueueKey) == "" {
		w.QueueKey = "simulations:pending"
	}
	if w.QueueWaitTimeout < time.Second {
		w.QueueWaitTimeout = time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.CancelPollInterval < 100*time.Millisecond {
		w.CancelPollInterval = 100 * time.Millisecond
	}
	if w.ClaimBatchSize < 1 {
		w.ClaimBatchSize = 1
	}
}

// ReaperConfig contains stuck-simulation reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// RunningDeadline is how long a simulation may stay running before the
	// reaper force-fails it. Must comfortably exceed the longest legitimate
	// run for the slowest model type.
	RunningDeadline time.Duration `env:"REAPER_RUNNING_DEADLINE" envDefault:"30m"`

	// BatchSize is the maximum number of rows scanned per sweep iteration.
	// Batching prevents long scans on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.RunningDeadline < time.Minute {
		r.RunningDeadline = time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
