package slurm

import (
	"context"
	"fmt"
	"strings"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/constants"
)

// Job is the subset of a workload manager job this service consumes.
// States holds every state flag when the workload manager reports a list; State is its first entry.
type Job struct {
	ID        string   `json:"job_id"`
	UserName  string   `json:"user_name"`
	Account   string   `json:"account"`
	State     string   `json:"state"`
	States    []string `json:"states,omitempty"`
	Partition string   `json:"partition,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// IsRunning reports whether the job state, or any listed state, is RUNNING (case-insensitive)
func (j Job) IsRunning() bool {
	if isRunningState(j.State) {
		return true
	}
	for _, state := range j.States {
		if isRunningState(state) {
			return true
		}
	}
	return false
}

func isRunningState(state string) bool {
	return strings.EqualFold(strings.TrimSpace(state), constants.JobStateRunning)
}

// Client lists jobs known to the workload manager
type Client interface {
	ListJobs(ctx context.Context) ([]Job, error)
}

// NewClient creates the client selected by cfg.Mode
func NewClient(cfg config.WorkloadConfig) (Client, error) {
	switch cfg.Mode {
	case "", "rest":
		if cfg.URL == "" {
			return nil, fmt.Errorf("workload.url is required for rest mode")
		}
		return NewRESTClient(cfg), nil
	case "cli":
		return NewCLIClient(), nil
	default:
		return nil, fmt.Errorf("unsupported workload mode: %s", cfg.Mode)
	}
}
