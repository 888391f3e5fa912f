// Package processor owns the per-account processing state machine. It is
// the sole gate to the classifier: the scheduler, the admin API, and the
// CLI all go through Start/Stop/TriggerBatch/Tick here, which guarantees
// at most one in-flight mailbox operation per account.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/pkg/metrics"
	"github.com/mailfold/mailfold/server/classifier"
)

// BatchRunner is the classifier surface the processor drives.
type BatchRunner interface {
	RunBatch(ctx context.Context, account string, limit int, unmatched classifier.UnmatchedPolicy) (*classifier.BatchResult, error)
	ProcessTrainingFolder(ctx context.Context, account string, tf config.TrainingFolderConfig) (int, error)
}

// Status is a point-in-time snapshot of one account's processing state.
type Status struct {
	Account             string                `json:"account"`
	State               consts.AccountState   `json:"state"`
	Mode                consts.ProcessingMode `json:"mode,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastRunAt           time.Time             `json:"last_run_at,omitempty"`
	LastError           string                `json:"last_error,omitempty"`
}

// account carries one account's machine. The mutex guards every field;
// batches run outside it with busy marking the in-flight operation.
type account struct {
	email string
	cfg   config.AccountConfig

	mu        sync.Mutex
	state     consts.AccountState
	mode      consts.ProcessingMode
	busy      bool
	failures  int
	lastRunAt time.Time
	lastError string
	runCancel context.CancelFunc // cancels the in-flight operation
}

// Processor tracks all configured accounts.
type Processor struct {
	classifier BatchRunner

	mu       sync.RWMutex
	accounts map[string]*account
}

func New(runner BatchRunner) *Processor {
	return &Processor{
		classifier: runner,
		accounts:   make(map[string]*account),
	}
}

// Register adds an account in the stopped state. Registering an existing
// account is a no-op so configuration reloads keep machine state.
func (p *Processor) Register(cfg config.AccountConfig) {
	email := normalize(cfg.Email)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; ok {
		return
	}
	p.accounts[email] = &account{
		email: email,
		cfg:   cfg,
		state: consts.StateStopped,
		mode:  consts.ModeMaintenance,
	}
}

func (p *Processor) get(email string) (*account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[normalize(email)]
	if !ok {
		return nil, fmt.Errorf("processor: %w: %s", consts.ErrAccountNotFound, email)
	}
	return a, nil
}

// Start moves an account from stopped or error into running_{mode}.
// Any other current state is a conflict and leaves the machine untouched.
func (p *Processor) Start(email string, mode consts.ProcessingMode) error {
	a, err := p.get(email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != consts.StateStopped && a.state != consts.StateError {
		return fmt.Errorf("processor: cannot start %s from %s: %w", a.email, a.state, consts.ErrStateConflict)
	}

	a.transitionLocked(consts.StateStarting)
	a.mode = mode
	a.failures = 0
	a.lastError = ""
	a.transitionLocked(consts.StateForMode(mode))

	logger.Info("Processor: account started", "account", a.email, "mode", mode)
	return nil
}

// Stop halts an account. A running operation is interrupted at its next
// message boundary; the machine reaches stopped when it returns. Stopping
// an already stopped account is a no-op.
func (p *Processor) Stop(email string) error {
	a, err := p.get(email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case consts.StateStopped:
		return nil
	case consts.StateStopping:
		return nil
	case consts.StateRunningStartup, consts.StateRunningMaintenance, consts.StateError, consts.StateStarting:
		a.transitionLocked(consts.StateStopping)
		if a.runCancel != nil {
			a.runCancel()
		}
		if !a.busy {
			a.transitionLocked(consts.StateStopped)
		}
		logger.Info("Processor: account stopping", "account", a.email, "in_flight", a.busy)
		return nil
	}
	return fmt.Errorf("processor: cannot stop %s from %s: %w", a.email, a.state, consts.ErrStateConflict)
}

// Restart is stop followed by start with the previously active mode.
func (p *Processor) Restart(email string) error {
	a, err := p.get(email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	if err := p.Stop(email); err != nil {
		return err
	}
	return p.Start(email, mode)
}

// TriggerBatch runs one synchronous classification batch. Valid only in
// running_startup; unmatched messages go to the pending folder. The state
// is unchanged by the call, success or failure.
func (p *Processor) TriggerBatch(ctx context.Context, email string, limit int) (*classifier.BatchResult, error) {
	a, err := p.get(email)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = a.cfg.StartupBatchSize
	}

	runCtx, err := a.acquire(ctx, consts.StateRunningStartup)
	if err != nil {
		return nil, err
	}

	result, err := p.classifier.RunBatch(runCtx, a.email, limit, classifier.MoveToPending)
	a.release(err)
	observeBatch(a.email, consts.ModeStartup, err)
	return result, err
}

// Tick runs one scheduler-driven maintenance pass: a classification batch
// with unmatched messages left in place, then the account's training
// folders. Operation-level failures feed the consecutive-failure counter;
// at the account's threshold the machine enters the error state and stays
// there until an operator restarts it.
func (p *Processor) Tick(ctx context.Context, email string) (*classifier.BatchResult, error) {
	a, err := p.get(email)
	if err != nil {
		return nil, err
	}

	runCtx, err := a.acquire(ctx, consts.StateRunningMaintenance)
	if err != nil {
		return nil, err
	}

	result, runErr := p.classifier.RunBatch(runCtx, a.email, a.cfg.MaintenanceBatchSize, classifier.LeaveInPlace)
	if runErr == nil {
		for _, tf := range a.cfg.Training {
			if _, tfErr := p.classifier.ProcessTrainingFolder(runCtx, a.email, tf); tfErr != nil {
				logger.Error("Processor: training folder failed",
					"account", a.email, "folder", tf.Folder, "error", tfErr)
				runErr = fmt.Errorf("training folder %s: %w", tf.Folder, tfErr)
				break
			}
		}
	}

	a.release(runErr)
	observeBatch(a.email, consts.ModeMaintenance, runErr)

	if runErr != nil {
		p.recordTickFailure(a, runErr)
		return result, runErr
	}

	a.mu.Lock()
	a.failures = 0
	a.lastError = ""
	a.mu.Unlock()
	return result, nil
}

// TrainingTick harvests the account's training folders without running a
// classification batch. The scheduler fires it on its own cadence so
// operator-sorted messages are picked up between classification ticks.
// Like Tick it is valid only in running_maintenance and feeds the
// consecutive-failure counter.
func (p *Processor) TrainingTick(ctx context.Context, email string) (int, error) {
	a, err := p.get(email)
	if err != nil {
		return 0, err
	}

	runCtx, err := a.acquire(ctx, consts.StateRunningMaintenance)
	if err != nil {
		return 0, err
	}
	if len(a.cfg.Training) == 0 {
		a.release(nil)
		return 0, nil
	}

	harvested := 0
	var runErr error
	for _, tf := range a.cfg.Training {
		n, tfErr := p.classifier.ProcessTrainingFolder(runCtx, a.email, tf)
		harvested += n
		if tfErr != nil {
			runErr = fmt.Errorf("training folder %s: %w", tf.Folder, tfErr)
			break
		}
	}
	a.release(runErr)

	if runErr != nil {
		p.recordTickFailure(a, runErr)
		return harvested, runErr
	}

	a.mu.Lock()
	a.failures = 0
	a.lastError = ""
	a.mu.Unlock()
	return harvested, nil
}

func (p *Processor) recordTickFailure(a *account, runErr error) {
	metrics.AccountTickFailures.WithLabelValues(a.email).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()

	// A tick interrupted by Stop or by process shutdown is not an
	// account failure.
	if a.state != consts.StateRunningMaintenance || errors.Is(runErr, context.Canceled) {
		return
	}

	a.failures++
	a.lastError = runErr.Error()
	threshold := a.cfg.MaxConsecutiveErrors
	if threshold <= 0 {
		threshold = 5
	}
	if a.failures >= threshold {
		a.transitionLocked(consts.StateError)
		logger.Error("Processor: account entered error state",
			"account", a.email, "consecutive_failures", a.failures, "error", runErr)
		return
	}
	logger.Warn("Processor: maintenance tick failed",
		"account", a.email, "consecutive_failures", a.failures, "threshold", threshold, "error", runErr)
}

// State returns one account's snapshot.
func (p *Processor) State(email string) (Status, error) {
	a, err := p.get(email)
	if err != nil {
		return Status{}, err
	}
	return a.snapshot(), nil
}

// States returns snapshots for every registered account, keyed by email.
func (p *Processor) States() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Status, len(p.accounts))
	for email, a := range p.accounts {
		out[email] = a.snapshot()
	}
	return out
}

// MaintenanceAccounts lists accounts currently in running_maintenance,
// the scheduler's tick targets.
func (p *Processor) MaintenanceAccounts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var emails []string
	for email, a := range p.accounts {
		a.mu.Lock()
		running := a.state == consts.StateRunningMaintenance
		a.mu.Unlock()
		if running {
			emails = append(emails, email)
		}
	}
	return emails
}

// StopAll stops every account, for shutdown.
func (p *Processor) StopAll() {
	p.mu.RLock()
	emails := make([]string, 0, len(p.accounts))
	for email := range p.accounts {
		emails = append(emails, email)
	}
	p.mu.RUnlock()

	for _, email := range emails {
		if err := p.Stop(email); err != nil {
			logger.Warn("Processor: failed to stop account", "account", email, "error", err)
		}
	}
}

// acquire claims the account's operation slot when the machine is in the
// wanted state. The returned context is canceled by Stop.
func (a *account) acquire(ctx context.Context, want consts.AccountState) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != want {
		if a.state == consts.StateError {
			return nil, fmt.Errorf("processor: account %s: %w", a.email, consts.ErrAccountInError)
		}
		return nil, fmt.Errorf("processor: account %s is %s: %w", a.email, a.state, consts.ErrStateConflict)
	}
	if a.busy {
		return nil, fmt.Errorf("processor: account %s: %w", a.email, consts.ErrBatchInProgress)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.busy = true
	a.runCancel = cancel
	return runCtx, nil
}

// release frees the operation slot and finishes a pending stop.
func (a *account) release(runErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.busy = false
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
	}
	a.lastRunAt = time.Now()
	if runErr != nil {
		a.lastError = runErr.Error()
	}
	if a.state == consts.StateStopping {
		a.transitionLocked(consts.StateStopped)
	}
}

// transitionLocked applies a state change and its metrics. Callers hold
// a.mu.
func (a *account) transitionLocked(to consts.AccountState) {
	from := a.state
	if from == to {
		return
	}
	a.state = to
	metrics.AccountStateTransitions.WithLabelValues(a.email, string(to)).Inc()

	if from.Running() {
		metrics.AccountsRunning.WithLabelValues(string(modeForState(from))).Dec()
	}
	if to.Running() {
		metrics.AccountsRunning.WithLabelValues(string(modeForState(to))).Inc()
	}
	logger.Debug("Processor: state transition", "account", a.email, "from", from, "to", to)
}

func (a *account) snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		Account:             a.email,
		State:               a.state,
		ConsecutiveFailures: a.failures,
		LastRunAt:           a.lastRunAt,
		LastError:           a.lastError,
	}
	if a.state.Running() || a.state == consts.StateStopping {
		st.Mode = a.mode
	}
	return st
}

func modeForState(s consts.AccountState) consts.ProcessingMode {
	if s == consts.StateRunningStartup {
		return consts.ModeStartup
	}
	return consts.ModeMaintenance
}

func observeBatch(email string, mode consts.ProcessingMode, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.ClassificationBatches.WithLabelValues(email, string(mode), status).Inc()
}

func normalize(email string) string {
	return strings.ToLower(email)
}
