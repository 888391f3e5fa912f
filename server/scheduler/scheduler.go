// Package scheduler is the process-wide timer loop. It fires
// classification ticks for every account in running_maintenance,
// harvests training folders on their own cadence, and runs retention
// once a day at the configured hour, pruning old audit records
// afterwards.
//
// A per-account mutex is the only cross-component lock: retention takes
// it for the whole engine run, ticks try it and skip when held, so a
// retention execution and a classification pass never interleave on one
// account while different accounts proceed concurrently.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/pkg/metrics"
	"github.com/mailfold/mailfold/server/classifier"
	"github.com/mailfold/mailfold/server/retention"
)

// AccountTicker is the processor surface the scheduler drives.
type AccountTicker interface {
	MaintenanceAccounts() []string
	Tick(ctx context.Context, account string) (*classifier.BatchResult, error)
	TrainingTick(ctx context.Context, account string) (int, error)
}

// RetentionRunner executes retention for one scope.
type RetentionRunner interface {
	Execute(ctx context.Context, scope retention.Scope, dryRun bool) ([]*db.AuditRecord, error)
}

// AuditPruner deletes audit records older than a cutoff.
type AuditPruner interface {
	PruneAuditRecords(ctx context.Context, olderThan time.Time) (int64, error)
}

// AccountSource lists the accounts a retention pass covers. Retention is
// mailbox-level and independent of the processing state machine, so this
// is the full registry, not just running accounts.
type AccountSource interface {
	Emails() []string
}

// The daily job checks wall time on this cadence.
const retentionCheckEvery = time.Minute

type Scheduler struct {
	processor AccountTicker
	engine    RetentionRunner
	store     AuditPruner
	accounts  AccountSource

	classificationEvery time.Duration
	trainingEvery       time.Duration
	retentionHour       int
	auditRetentionDays  int // 0 keeps audit records forever

	now func() time.Time

	mu            sync.Mutex
	accountLocks  map[string]*sync.Mutex
	lastRetention string // day key of the last daily run, completed or not

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(proc AccountTicker, engine RetentionRunner, store AuditPruner, accounts AccountSource, cfg config.SchedulerConfig, retCfg config.RetentionConfig) (*Scheduler, error) {
	classificationEvery, err := cfg.GetClassificationInterval()
	if err != nil {
		return nil, fmt.Errorf("scheduler: classification interval: %w", err)
	}
	trainingEvery, err := cfg.GetTrainingInterval()
	if err != nil {
		return nil, fmt.Errorf("scheduler: training interval: %w", err)
	}

	return &Scheduler{
		processor:           proc,
		engine:              engine,
		store:               store,
		accounts:            accounts,
		classificationEvery: classificationEvery,
		trainingEvery:       trainingEvery,
		retentionHour:       cfg.RetentionHour,
		auditRetentionDays:  retCfg.AuditRetentionDays,
		now:                 time.Now,
		accountLocks:        make(map[string]*sync.Mutex),
		stopCh:              make(chan struct{}),
	}, nil
}

// Start launches the timer loop. It returns immediately; the loop runs
// until the context is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("Scheduler: starting",
		"classification_interval", s.classificationEvery,
		"training_interval", s.trainingEvery,
		"retention_hour", s.retentionHour,
		"audit_retention_days", s.auditRetentionDays)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	classify := time.NewTicker(s.classificationEvery)
	defer classify.Stop()
	training := time.NewTicker(s.trainingEvery)
	defer training.Stop()
	retentionCheck := time.NewTicker(retentionCheckEvery)
	defer retentionCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler: stopped", "reason", "context canceled")
			return
		case <-s.stopCh:
			logger.Info("Scheduler: stopped", "reason", "stop signal")
			return
		case <-classify.C:
			s.classificationPass(ctx)
		case <-training.C:
			s.trainingPass(ctx)
		case <-retentionCheck.C:
			s.maybeRunDailyRetention(ctx)
		}
	}
}

// classificationPass ticks every running_maintenance account. Accounts
// run concurrently; an account whose lock is held (an in-flight
// retention run) skips this tick and catches up on the next one.
func (s *Scheduler) classificationPass(ctx context.Context) {
	s.forEachMaintenanceAccount(ctx, "classification", func(ctx context.Context, email string) error {
		_, err := s.processor.Tick(ctx, email)
		return err
	})
}

func (s *Scheduler) trainingPass(ctx context.Context) {
	s.forEachMaintenanceAccount(ctx, "training", func(ctx context.Context, email string) error {
		_, err := s.processor.TrainingTick(ctx, email)
		return err
	})
}

func (s *Scheduler) forEachMaintenanceAccount(ctx context.Context, job string, run func(context.Context, string) error) {
	metrics.SchedulerTicks.WithLabelValues(job).Inc()

	emails := s.processor.MaintenanceAccounts()
	if len(emails) == 0 {
		return
	}
	logger.Debug("Scheduler: tick", "job", job, "accounts", len(emails))

	var wg sync.WaitGroup
	for _, email := range emails {
		wg.Add(1)
		go func(email string) {
			defer wg.Done()

			lock := s.accountLock(email)
			if !lock.TryLock() {
				metrics.SchedulerSkips.WithLabelValues(job, "account_busy").Inc()
				logger.Debug("Scheduler: account busy, skipping", "job", job, "account", email)
				return
			}
			defer lock.Unlock()

			if err := run(ctx, email); err != nil {
				logger.Error("Scheduler: job failed", "job", job, "account", email, "error", err)
			}
		}(email)
	}
	wg.Wait()
}

// maybeRunDailyRetention runs retention and audit pruning when the local
// hour matches, at most once per day. A failed run is not retried until
// the next day; per-account errors inside the run are already audited.
func (s *Scheduler) maybeRunDailyRetention(ctx context.Context) {
	now := s.now()
	if now.Hour() != s.retentionHour {
		return
	}
	day := now.Format("2006-01-02")

	s.mu.Lock()
	already := s.lastRetention == day
	if !already {
		s.lastRetention = day
	}
	s.mu.Unlock()
	if already {
		return
	}

	metrics.SchedulerTicks.WithLabelValues("retention").Inc()
	logger.InfoContext(ctx, "Scheduler: daily retention run", "hour", s.retentionHour)

	if _, err := s.runRetention(ctx, retention.Scope{}, false, "scheduled"); err != nil {
		logger.Error("Scheduler: daily retention finished with errors", "error", err)
	}
	s.pruneAudits(ctx, now)
}

// RunRetentionNow is the operator-triggered entry. It takes the same
// per-account locks as the daily job, so a manual run cannot interleave
// with a scheduled one or with classification ticks.
func (s *Scheduler) RunRetentionNow(ctx context.Context, scope retention.Scope, dryRun bool) ([]*db.AuditRecord, error) {
	logger.InfoContext(ctx, "Scheduler: manual retention run",
		"policy_id", scope.PolicyID, "account", scope.Account, "dry_run", dryRun)
	return s.runRetention(ctx, scope, dryRun, "manual")
}

// runRetention executes the engine once per account in scope, holding
// that account's lock for the duration of its run. One account's failure
// does not block the others; the first error is returned after all
// accounts had their turn.
func (s *Scheduler) runRetention(ctx context.Context, scope retention.Scope, dryRun bool, trigger string) ([]*db.AuditRecord, error) {
	emails := []string{scope.Account}
	if scope.Account == "" {
		emails = s.accounts.Emails()
	}

	var records []*db.AuditRecord
	var firstErr error
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		lock := s.accountLock(email)
		lock.Lock()
		recs, err := s.engine.Execute(ctx, retention.Scope{PolicyID: scope.PolicyID, Account: email}, dryRun)
		lock.Unlock()

		records = append(records, recs...)
		if !dryRun {
			metrics.RetentionRuns.WithLabelValues(trigger, statusLabel(err)).Inc()
		}
		if err != nil {
			logger.Error("Scheduler: retention failed",
				"account", email, "trigger", trigger, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return records, firstErr
}

func (s *Scheduler) pruneAudits(ctx context.Context, now time.Time) {
	if s.auditRetentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -s.auditRetentionDays)
	n, err := s.store.PruneAuditRecords(ctx, cutoff)
	if err != nil {
		logger.Error("Scheduler: audit prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Scheduler: pruned audit records", "removed", n, "older_than", cutoff.Format("2006-01-02"))
	}
}

func (s *Scheduler) accountLock(email string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.accountLocks[email]
	if !ok {
		lock = &sync.Mutex{}
		s.accountLocks[email] = lock
	}
	return lock
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
