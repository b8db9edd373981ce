package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robohub/actions-oidc/internal/github"
	"github.com/robohub/actions-oidc/internal/types"
)

// Validation failures, reported to callers only as generic outcomes
var (
	ErrRunNotInProgress  = errors.New("run not in progress")
	ErrPrivateRepository = errors.New("repository is private")
	ErrNoRunningJobs     = errors.New("no running jobs")
	ErrNoValidatedJob    = errors.New("no validated jobs")
	ErrMissingActor      = errors.New("no triggering actor")
)

// ErrNoSession indicates the scraping session has not been uploaded;
// operator-actionable, not caller-actionable
var ErrNoSession = errors.New("no github session")

// Provider is the slice of the source-control API the validator needs
type Provider interface {
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, error)
	ListJobs(ctx context.Context, owner, repo string, runID, attempt int64) ([]github.Job, error)
	LiveLogURL(owner, repo, headSHA string, jobID int64) string
	GetJobSteps(ctx context.Context, session, owner, repo, headSHA string, jobID int64) ([]github.Step, error)
	GetStepLogLines(ctx context.Context, session, owner, repo, headSHA string, jobID, step int64) ([]string, error)
}

// StreamWatcher watches a live-log stream for a challenge code
type StreamWatcher interface {
	Watch(ctx context.Context, sessionCookie, target, code string) bool
}

// SessionSource supplies the scraping session cookie
type SessionSource interface {
	GetSession(ctx context.Context) (string, error)
}

// Validator proves that the requester controls a specific in-progress
// workflow run by observing its one-time code in the run's own output
type Validator struct {
	logger   *slog.Logger
	provider Provider
	streams  StreamWatcher
	sessions SessionSource

	// probeTimeout bounds the backscroll polling strategy; the stream
	// strategy carries its own attach timeout
	probeTimeout time.Duration
}

// NewValidator creates a challenge validator
func NewValidator(logger *slog.Logger, provider Provider, streams StreamWatcher, sessions SessionSource, probeTimeout time.Duration) *Validator {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Validator{
		logger:       logger,
		provider:     provider,
		streams:      streams,
		sessions:     sessions,
		probeTimeout: probeTimeout,
	}
}

type probeResult struct {
	jobID     int64
	validated bool
}

// Validate checks that the identified run is live and that its output
// contains the challenge code, then assembles token claims from
// provider data only
func (v *Validator) Validate(ctx context.Context, subject types.SubjectContext, code string) (*types.TokenClaims, error) {
	run, err := v.provider.GetWorkflowRun(ctx, subject.Owner, subject.Repo, subject.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}
	if run.Status != github.StatusInProgress {
		return nil, ErrRunNotInProgress
	}
	if run.Repository.Private {
		return nil, ErrPrivateRepository
	}

	jobs, err := v.provider.ListJobs(ctx, subject.Owner, subject.Repo, subject.RunID, subject.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	running := make([]github.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == github.StatusInProgress && job.ID != 0 && job.HeadSHA != "" {
			running = append(running, job)
		}
	}
	if len(running) == 0 {
		return nil, ErrNoRunningJobs
	}

	session, err := v.sessions.GetSession(ctx)
	if err != nil {
		return nil, ErrNoSession
	}

	winner, err := v.race(ctx, session, subject, running, code)
	if err != nil {
		return nil, err
	}

	if run.TriggeringActor == nil {
		return nil, ErrMissingActor
	}

	return assembleClaims(subject, run, winner), nil
}

// race launches both proof strategies for every running job and takes
// the first probe to observe the code, cancelling all siblings
func (v *Validator) race(ctx context.Context, session string, subject types.SubjectContext, running []github.Job, code string) (int64, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	probes := 2 * len(running)
	results := make(chan probeResult, probes)

	for _, job := range running {
		job := job

		go func() {
			target := v.provider.LiveLogURL(subject.Owner, subject.Repo, job.HeadSHA, job.ID)
			validated := v.streams.Watch(probeCtx, session, target, code)
			results <- probeResult{jobID: job.ID, validated: validated}
		}()

		go func() {
			validated := v.scrapeBackscroll(probeCtx, session, subject, job, code)
			results <- probeResult{jobID: job.ID, validated: validated}
		}()
	}

	for i := 0; i < probes; i++ {
		select {
		case result := <-results:
			if result.validated {
				cancel()
				return result.jobID, nil
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	return 0, ErrNoValidatedJob
}

// scrapeBackscroll polls the job's step list and buffered log lines for
// the code. Transport failures are non-validations, never errors.
func (v *Validator) scrapeBackscroll(ctx context.Context, session string, subject types.SubjectContext, job github.Job, code string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	for {
		if v.scanSteps(ctx, session, subject, job, code) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func (v *Validator) scanSteps(ctx context.Context, session string, subject types.SubjectContext, job github.Job, code string) bool {
	steps, err := v.provider.GetJobSteps(ctx, session, subject.Owner, subject.Repo, job.HeadSHA, job.ID)
	if err != nil {
		v.logger.Debug("backscroll step fetch failed", "job_id", job.ID, "error", err)
		return false
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return false
		}
		lines, err := v.provider.GetStepLogLines(ctx, session, subject.Owner, subject.Repo, job.HeadSHA, job.ID, step.Number)
		if err != nil {
			v.logger.Debug("backscroll fetch failed", "job_id", job.ID, "step", step.Number, "error", err)
			continue
		}
		for _, line := range lines {
			if strings.Contains(line, code) {
				return true
			}
		}
	}
	return false
}

// assembleClaims builds the token claim set strictly from provider
// responses; nothing caller-supplied beyond the subject identifiers
// survives into the token
func assembleClaims(subject types.SubjectContext, run *github.WorkflowRun, jobID int64) *types.TokenClaims {
	return &types.TokenClaims{
		Subject:               fmt.Sprintf("repo:%s/%s:pull_request", subject.Owner, subject.Repo),
		ActorID:               strconv.FormatInt(run.TriggeringActor.ID, 10),
		Actor:                 run.TriggeringActor.Login,
		EventName:             run.Event,
		HeadRef:               run.HeadBranch,
		HeadRepositoryID:      strconv.FormatInt(run.HeadRepository.ID, 10),
		HeadRepositoryOwnerID: strconv.FormatInt(run.HeadRepository.Owner.ID, 10),
		HeadRepositoryOwner:   run.HeadRepository.Owner.Login,
		HeadRepository:        run.HeadRepository.FullName,
		HeadSHA:               run.HeadSHA,
		JobID:                 strconv.FormatInt(jobID, 10),
		RepositoryID:          strconv.FormatInt(run.Repository.ID, 10),
		RepositoryOwnerID:     strconv.FormatInt(run.Repository.Owner.ID, 10),
		RepositoryOwner:       run.Repository.Owner.Login,
		RepositoryVisibility:  visibility(run.Repository.Private),
		Repository:            run.Repository.FullName,
		RunAttempt:            strconv.FormatInt(run.RunAttempt, 10),
		RunID:                 strconv.FormatInt(run.ID, 10),
		RunNumber:             strconv.FormatInt(run.RunNumber, 10),
		Workflow:              run.Path,
	}
}

func visibility(private bool) string {
	if private {
		return "private"
	}
	return "public"
}
