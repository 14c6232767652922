// Package scheduler fires scheduled debits for every user whose active
// rule and mandate say today is a debit day.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"kore/engine/pkg/config"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/models"
	pkgredis "kore/engine/pkg/redis"
)

const userLockTTL = 5 * time.Minute

// JobManager handles the background debit execution job
type JobManager struct {
	db       *sql.DB
	logger   logging.Logger
	executor *Executor
	redis    goredis.UniversalClient

	tickInterval  time.Duration
	concurrency   int
	customCadence CadenceFunc
	now           func() time.Time
	stopCh        chan struct{}
}

// Option configures the job manager
type Option func(*JobManager)

// WithCustomCadence registers the CadenceFunc used for CUSTOM rules
func WithCustomCadence(fn CadenceFunc) Option {
	return func(jm *JobManager) {
		jm.customCadence = fn
	}
}

// WithClock overrides the scheduler's clock
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) {
		jm.now = now
	}
}

// NewJobManager creates a new job manager. redisClient may be nil on a
// single-node deployment; the per-user lease lock is skipped then.
func NewJobManager(database *sql.DB, log logging.Logger, executor *Executor, redisClient goredis.UniversalClient, opts ...Option) *JobManager {
	jm := &JobManager{
		db:           database,
		logger:       log,
		executor:     executor,
		redis:        redisClient,
		tickInterval: config.GetEnvDuration("SCHEDULER_TICK_INTERVAL", time.Hour),
		concurrency:  config.GetEnvInt("SCHEDULER_CONCURRENCY", 8),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// Start begins the background debit execution job
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting debit scheduler")
	go jm.runDebitExecution(ctx)
}

// Stop stops the background job
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping debit scheduler")
	close(jm.stopCh)
}

func (jm *JobManager) runDebitExecution(ctx context.Context) {
	ticker := time.NewTicker(jm.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.ExecuteDueDebits(ctx)
		}
	}
}

type debitCandidate struct {
	rule             models.DebitRule
	mandateReference string
}

// ExecuteDueDebits runs one scheduler pass: select every user with an
// active rule inside its date window and an ACTIVE mandate, filter by
// cadence, and fan the debits out with a bounded worker group.
func (jm *JobManager) ExecuteDueDebits(ctx context.Context) {
	today := jm.today()

	rows, err := jm.db.Query(`
		SELECT r.id, r.user_id, r.monthly_max_debit, r.single_max_debit, r.frequency,
		       r.amount_per_frequency, r.allocations, r.failure_action, r.start_date, r.end_date,
		       r.is_active, r.created_at, r.updated_at,
		       m.mandate_reference
		FROM debit_rules r
		JOIN mandates m ON m.user_id = r.user_id AND m.status = 'ACTIVE'
		WHERE r.is_active
		  AND r.start_date <= $1
		  AND (r.end_date IS NULL OR r.end_date >= $1)
		  AND m.mandate_reference IS NOT NULL`, today)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to select due debit rules")
		return
	}
	defer rows.Close()

	var candidates []debitCandidate
	for rows.Next() {
		var cand debitCandidate
		err := rows.Scan(&cand.rule.ID, &cand.rule.UserID, &cand.rule.MonthlyMaxDebit,
			&cand.rule.SingleMaxDebit, &cand.rule.Frequency, &cand.rule.AmountPerFrequency,
			&cand.rule.Allocations, &cand.rule.FailureAction, &cand.rule.StartDate,
			&cand.rule.EndDate, &cand.rule.IsActive, &cand.rule.CreatedAt, &cand.rule.UpdatedAt,
			&cand.mandateReference)
		if err != nil {
			jm.logger.WithError(err).Error("Error scanning debit candidate")
			continue
		}
		if DueOn(&cand.rule, today, jm.customCadence) {
			candidates = append(candidates, cand)
		}
	}

	if len(candidates) == 0 {
		return
	}

	jm.logger.WithFields(logging.Fields{
		"due_date":   today.Format("2006-01-02"),
		"candidates": len(candidates),
	}).Info("Executing due debits")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jm.concurrency)

	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			jm.debitUser(gctx, cand, today)
			return nil
		})
	}
	_ = g.Wait()
}

// debitUser schedules and executes one user's debit under a per-user
// lease lock, so two engine instances never charge the same user twice
// in one window. The lock is belt and braces; the request_ref unique
// index alone already prevents double rows.
func (jm *JobManager) debitUser(ctx context.Context, cand debitCandidate, dueDate time.Time) {
	if jm.redis != nil {
		lock, acquired, err := pkgredis.AcquireLock(ctx, jm.redis, "kore:debit:"+cand.rule.UserID, userLockTTL)
		if err != nil {
			jm.logger.WithError(err).Warn("Redis lock unavailable, relying on request_ref")
		} else if !acquired {
			return
		} else {
			defer func() {
				if rerr := lock.Release(context.Background()); rerr != nil {
					jm.logger.WithError(rerr).Warn("Failed to release debit lock")
				}
			}()
		}
	}

	reference, created, err := jm.executor.ScheduleDebit(&cand.rule, dueDate, 1)
	if err != nil {
		jm.logger.WithFields(logging.Fields{
			"user_id": cand.rule.UserID,
			"error":   err.Error(),
		}).Error("Failed to schedule debit")
		return
	}
	if !created {
		// This due date was already handled, possibly by another node
		return
	}

	if err := jm.executor.Execute(ctx, reference, cand.mandateReference); err != nil {
		jm.logger.WithFields(logging.Fields{
			"reference": reference,
			"error":     err.Error(),
		}).Error("Failed to execute debit")
	}
}

func (jm *JobManager) today() time.Time {
	now := jm.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
