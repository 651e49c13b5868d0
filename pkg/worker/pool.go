package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/deploy"
	"github.com/cmu-sei/gameboard-engine/internal/syncstart"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"go.uber.org/zap"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3
)

var _ syncstart.TaskQueue = (*Queue)(nil)

// Pool runs background launch work pulled from the Redis queue: resource
// predeploys and synchronized session starts.
type Pool struct {
	queue      *Queue
	deploySvc  *deploy.Service
	syncStart  *syncstart.Service
	logger     *zap.SugaredLogger
	numWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	DeploySvc  *deploy.Service
	SyncStart  *syncstart.Service
	Logger     *zap.SugaredLogger
}

// NewPool creates a new worker pool.
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4 // default
	}

	return &Pool{
		queue:      cfg.Queue,
		deploySvc:  cfg.DeploySvc,
		syncStart:  cfg.SyncStart,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
	}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runWorker is the main loop for a single worker.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Infof("Worker %s started", workerID)

	for {
		// Check if we should shut down
		select {
		case <-ctx.Done():
			p.logger.Infof("Worker %s shutting down", workerID)
			return
		default:
		}

		// Try to get a job (Dequeue has 1s internal timeout)
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				// Context cancelled, shutdown
				p.logger.Infof("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No job available, loop again to check context
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

// jobTimeout is the maximum time a job can run before being cancelled
const jobTimeout = 10 * time.Minute

// processJob handles a single job.
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	// Create a timeout context for this job
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	var err error
	switch job.Type {
	case JobTypePredeploy:
		err = p.processPredeploy(jobCtx, job)
	case JobTypeSessionStart:
		err = p.processSessionStart(jobCtx, job)
	default:
		p.logger.Errorf("Unknown job type: %s", job.Type)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Check if job timed out
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, jobTimeout)
		err = fmt.Errorf("job timed out after %v", jobTimeout)
	}

	if err != nil {
		if isErr, errPattern := pkgerrors.IsTransientErrorMsg(err); isErr && job.Retries < maxRetries {
			p.logger.Warnf("Worker %s: transient error %s for job %s, requeueing: %v", workerID, errPattern, job.ID, err)
			backoff := time.Duration(job.Retries+1) * 2 * time.Second
			time.Sleep(backoff)
			if requeueErr := p.queue.Requeue(ctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Success
	if err := p.queue.Complete(ctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}

// processPredeploy provisions challenges and gamespaces for the job's teams.
func (p *Pool) processPredeploy(ctx context.Context, job *Job) error {
	if len(job.TeamIDs) == 0 {
		return fmt.Errorf("predeploy job %s carries no teams", job.ID)
	}
	if job.GameID == "" {
		return fmt.Errorf("predeploy job %s carries no game", job.ID)
	}

	result, err := p.deploySvc.PredeployResources(ctx, job.GameID, job.TeamIDs)
	if err != nil {
		return err
	}

	if len(result.FailedGamespaceIDs) > 0 {
		p.logger.Warnf("Predeploy for game %s completed with %d failed gamespaces: %v",
			job.GameID, len(result.FailedGamespaceIDs), result.FailedGamespaceIDs)
	} else {
		p.logger.Infof("Predeploy for game %s completed: %d gamespaces running", job.GameID, result.DeployedCount())
	}
	return nil
}

// processSessionStart promotes a game's synchronized session. StartSession
// re-checks under the game lock, so a duplicate or stale job is a no-op.
func (p *Pool) processSessionStart(ctx context.Context, job *Job) error {
	if err := p.syncStart.StartSession(ctx, job.GameID); err != nil {
		return fmt.Errorf("start session for game %s: %w", job.GameID, err)
	}
	p.logger.Infof("Synchronized session start handled for game %s", job.GameID)
	return nil
}
