package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// squeue fields: job id, user, account, long state, partition, name
const squeueFormat = "%i\t%u\t%a\t%T\t%P\t%j"

type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// CLIClient reads jobs by running squeue on the local host
type CLIClient struct {
	run commandRunner
}

// NewCLIClient creates a squeue-backed client
func NewCLIClient() *CLIClient {
	return &CLIClient{run: runCmd}
}

// ListJobs returns the jobs squeue reports
func (c *CLIClient) ListJobs(ctx context.Context) ([]Job, error) {
	output, err := c.run(ctx, "squeue", "-h", "-o", squeueFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to run squeue: %w", err)
	}
	return parseSqueue(output), nil
}

func parseSqueue(output string) []Job {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	jobs := make([]Job, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			continue
		}
		job := Job{
			ID:       strings.TrimSpace(parts[0]),
			UserName: parts[1],
			Account:  parts[2],
			State:    parts[3],
		}
		if len(parts) > 4 {
			job.Partition = parts[4]
		}
		if len(parts) > 5 {
			job.Name = parts[5]
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
