package slurm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gpuwatch/pkg/config"

	"github.com/go-resty/resty/v2"
)

const (
	headerUserName  = "X-SLURM-USER-NAME"
	headerUserToken = "X-SLURM-USER-TOKEN"
)

// RESTClient reads jobs from slurmrestd
type RESTClient struct {
	api        *resty.Client
	apiVersion string
}

// NewRESTClient creates a slurmrestd client
func NewRESTClient(cfg config.WorkloadConfig) *RESTClient {
	c := resty.New().SetBaseURL(strings.TrimRight(cfg.URL, "/"))
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if cfg.User != "" {
		c.SetHeader(headerUserName, cfg.User)
	}
	if cfg.Token != "" {
		c.SetHeader(headerUserToken, cfg.Token)
	}
	return &RESTClient{api: c, apiVersion: cfg.APIVersion}
}

type restJob struct {
	JobID     json.RawMessage `json:"job_id"`
	UserName  string          `json:"user_name"`
	Account   string          `json:"account"`
	JobState  json.RawMessage `json:"job_state"`
	Partition string          `json:"partition"`
	Name      string          `json:"name"`
}

type restError struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

type restJobsResponse struct {
	Jobs   []restJob   `json:"jobs"`
	Errors []restError `json:"errors"`
}

// ListJobs returns every job slurmrestd reports
func (c *RESTClient) ListJobs(ctx context.Context) ([]Job, error) {
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&restJobsResponse{}).
		Get(fmt.Sprintf("/slurm/%s/jobs", c.apiVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to list slurm jobs: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, response: %s", resp.StatusCode(), resp.String())
	}
	result, ok := resp.Result().(*restJobsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp.Result())
	}
	if len(result.Jobs) == 0 && len(result.Errors) > 0 {
		return nil, fmt.Errorf("slurmrestd error: %s %s", result.Errors[0].Error, result.Errors[0].Description)
	}

	jobs := make([]Job, 0, len(result.Jobs))
	for _, rj := range result.Jobs {
		id := decodeJobID(rj.JobID)
		if id == "" {
			continue
		}
		state, states := decodeJobState(rj.JobState)
		jobs = append(jobs, Job{
			ID:        id,
			UserName:  rj.UserName,
			Account:   rj.Account,
			State:     state,
			States:    states,
			Partition: rj.Partition,
			Name:      rj.Name,
		})
	}
	return jobs, nil
}

// decodeJobID accepts a number, a string, or the {"set","number"} wrapper of newer API versions
func decodeJobID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var wrapped struct {
		Set    bool  `json:"set"`
		Number int64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Set {
		return strconv.FormatInt(wrapped.Number, 10)
	}
	return ""
}

// decodeJobState accepts "RUNNING" or ["CONFIGURING", "RUNNING", ...]. The first listed state is
// returned as the base state and the full list is kept for IsRunning.
func decodeJobState(raw json.RawMessage) (string, []string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var states []string
	if err := json.Unmarshal(raw, &states); err == nil && len(states) > 0 {
		return states[0], states
	}
	return "", nil
}
