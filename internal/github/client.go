package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Actor is a GitHub user reference in API responses
type Actor struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Repository is a GitHub repository reference in API responses
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	Owner    Actor  `json:"owner"`
}

// WorkflowRun is a workflow run as returned by the Actions API
type WorkflowRun struct {
	ID              int64       `json:"id"`
	Status          string      `json:"status"`
	Event           string      `json:"event"`
	Path            string      `json:"path"`
	HeadBranch      string      `json:"head_branch"`
	HeadSHA         string      `json:"head_sha"`
	RunAttempt      int64       `json:"run_attempt"`
	RunNumber       int64       `json:"run_number"`
	Repository      Repository  `json:"repository"`
	HeadRepository  Repository  `json:"head_repository"`
	TriggeringActor *Actor      `json:"triggering_actor"`
}

// Job is a workflow job as returned by the Actions API
type Job struct {
	ID      int64  `json:"id"`
	Status  string `json:"status"`
	HeadSHA string `json:"head_sha"`
}

// Step is one entry of a running job's step list as returned by the
// checks HTML endpoints
type Step struct {
	Number int64  `json:"number"`
	Status string `json:"status"`
}

// StatusInProgress is the run/job status for currently-executing work
const StatusInProgress = "in_progress"

// Client talks to the GitHub REST API and, for the live-log and
// backscroll endpoints, to the authenticated HTML surface of
// github.com
type Client struct {
	apiURL     string
	htmlURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a GitHub client. apiURL and htmlURL carry no
// trailing slash; token is a personal access token with public repo
// read access.
func NewClient(apiURL, htmlURL, token string) *Client {
	return &Client{
		apiURL:     apiURL,
		htmlURL:    htmlURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetWorkflowRun fetches a workflow run by id
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.apiURL, owner, repo, runID)

	var run WorkflowRun
	if err := c.getJSON(ctx, url, &run); err != nil {
		return nil, fmt.Errorf("failed to fetch run %d: %w", runID, err)
	}
	return &run, nil
}

// ListJobs fetches the jobs of a workflow run. When attempt is
// non-zero, the jobs of that specific attempt are fetched.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID, attempt int64) ([]Job, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs", c.apiURL, owner, repo, runID)
	if attempt > 0 {
		url = fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/attempts/%d/jobs", c.apiURL, owner, repo, runID, attempt)
	}

	var response struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, url, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch jobs for run %d: %w", runID, err)
	}
	return response.Jobs, nil
}

// LiveLogURL returns the HTML endpoint that starts the live-log
// websocket handshake for one job
func (c *Client) LiveLogURL(owner, repo, headSHA string, jobID int64) string {
	return fmt.Sprintf("%s/%s/%s/commit/%s/checks/%d/live_logs", c.htmlURL, owner, repo, headSHA, jobID)
}

// GetJobSteps fetches the step list of a running job from the checks
// HTML surface, authenticated with the scraping session cookie
func (c *Client) GetJobSteps(ctx context.Context, session, owner, repo, headSHA string, jobID int64) ([]Step, error) {
	url := fmt.Sprintf("%s/%s/%s/commit/%s/checks/%d/steps", c.htmlURL, owner, repo, headSHA, jobID)

	var response struct {
		Steps []Step `json:"steps"`
	}
	if err := c.getHTMLJSON(ctx, session, url, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch steps for job %d: %w", jobID, err)
	}
	return response.Steps, nil
}

// GetStepLogLines fetches the already-buffered log lines of one step of
// a running job (the backscroll)
func (c *Client) GetStepLogLines(ctx context.Context, session, owner, repo, headSHA string, jobID, step int64) ([]string, error) {
	url := fmt.Sprintf("%s/%s/%s/commit/%s/checks/%d/live_logs_backscroll/%d", c.htmlURL, owner, repo, headSHA, jobID, step)

	var response struct {
		Data struct {
			Lines []string `json:"lines"`
		} `json:"data"`
	}
	if err := c.getHTMLJSON(ctx, session, url, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch backscroll for job %d step %d: %w", jobID, step, err)
	}
	return response.Data.Lines, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "token "+c.token)

	return c.do(req, out)
}

func (c *Client) getHTMLJSON(ctx context.Context, session, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", "user_session="+session)
	req.Header.Set("User-Agent", browserUserAgent)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// The HTML endpoints reject requests without a browser user agent
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
