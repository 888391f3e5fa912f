package processor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/server/classifier"
)

// stubRunner scripts classifier outcomes per call.
type stubRunner struct {
	mu           sync.Mutex
	batchErr     error
	trainingErr  error
	batchCalls   int
	trainCalls   int
	lastUnmatch  classifier.UnmatchedPolicy
	lastLimit    int
	blockBatch   chan struct{} // when set, RunBatch waits for a signal
	batchStarted chan struct{}
}

func (s *stubRunner) RunBatch(ctx context.Context, account string, limit int, unmatched classifier.UnmatchedPolicy) (*classifier.BatchResult, error) {
	s.mu.Lock()
	s.batchCalls++
	s.lastUnmatch = unmatched
	s.lastLimit = limit
	block := s.blockBatch
	started := s.batchStarted
	err := s.batchErr
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &classifier.BatchResult{Processed: 1, Categories: map[string]int{"Vendors": 1}}, nil
}

func (s *stubRunner) ProcessTrainingFolder(ctx context.Context, account string, tf config.TrainingFolderConfig) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainCalls++
	return 1, s.trainingErr
}

func newTestProcessor(t *testing.T, runner *stubRunner) *Processor {
	t.Helper()
	p := New(runner)
	p.Register(config.AccountConfig{
		Email:                "Bob@Example.net",
		StartupBatchSize:     100,
		MaintenanceBatchSize: 200,
		MaxConsecutiveErrors: 3,
		Training: []config.TrainingFolderConfig{
			{Folder: "TrainJunk", List: "deny", MoveTo: "Junk"},
		},
	})
	return p
}

func mustState(t *testing.T, p *Processor, email string, want consts.AccountState) {
	t.Helper()
	st, err := p.State(email)
	require.NoError(t, err)
	assert.Equal(t, want, st.State)
}

func TestStartFromStopped(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	mustState(t, p, "bob@example.net", consts.StateRunningMaintenance)

	// Account emails are case-insensitive.
	require.NoError(t, p.Stop("BOB@EXAMPLE.NET"))
	mustState(t, p, "bob@example.net", consts.StateStopped)
}

func TestStartConflictsWhenRunning(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))
	err := p.Start("bob@example.net", consts.ModeMaintenance)
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrStateConflict)

	// The conflict left the machine untouched.
	mustState(t, p, "bob@example.net", consts.StateRunningStartup)
}

func TestStartUnknownAccount(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})
	err := p.Start("nobody@example.net", consts.ModeStartup)
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
}

func TestStopIsIdempotent(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})
	require.NoError(t, p.Stop("bob@example.net"))
	require.NoError(t, p.Stop("bob@example.net"))
	mustState(t, p, "bob@example.net", consts.StateStopped)
}

func TestRestartKeepsMode(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))
	require.NoError(t, p.Restart("bob@example.net"))
	mustState(t, p, "bob@example.net", consts.StateRunningStartup)
}

func TestTriggerBatchOnlyInStartup(t *testing.T) {
	runner := &stubRunner{}
	p := newTestProcessor(t, runner)
	ctx := context.Background()

	_, err := p.TriggerBatch(ctx, "bob@example.net", 25)
	assert.ErrorIs(t, err, consts.ErrStateConflict, "stopped account cannot trigger")

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	_, err = p.TriggerBatch(ctx, "bob@example.net", 25)
	assert.ErrorIs(t, err, consts.ErrStateConflict, "maintenance account cannot trigger")

	require.NoError(t, p.Stop("bob@example.net"))
	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))

	result, err := p.TriggerBatch(ctx, "bob@example.net", 25)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, classifier.MoveToPending, runner.lastUnmatch)
	assert.Equal(t, 25, runner.lastLimit)
	mustState(t, p, "bob@example.net", consts.StateRunningStartup)
}

func TestTriggerBatchDefaultsLimit(t *testing.T) {
	runner := &stubRunner{}
	p := newTestProcessor(t, runner)

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))
	_, err := p.TriggerBatch(context.Background(), "bob@example.net", 0)
	require.NoError(t, err)
	assert.Equal(t, 100, runner.lastLimit)
}

func TestTickRunsClassificationAndTraining(t *testing.T) {
	runner := &stubRunner{}
	p := newTestProcessor(t, runner)

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	result, err := p.Tick(context.Background(), "bob@example.net")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, classifier.LeaveInPlace, runner.lastUnmatch)
	assert.Equal(t, 200, runner.lastLimit)
	assert.Equal(t, 1, runner.trainCalls)
}

func TestTickOnlyInMaintenance(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))
	_, err := p.Tick(context.Background(), "bob@example.net")
	assert.ErrorIs(t, err, consts.ErrStateConflict)
}

func TestConsecutiveFailuresReachError(t *testing.T) {
	runner := &stubRunner{batchErr: errors.New("imap down")}
	p := newTestProcessor(t, runner)
	ctx := context.Background()

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))

	// Threshold is 3 for the test account.
	for i := 0; i < 2; i++ {
		_, err := p.Tick(ctx, "bob@example.net")
		require.Error(t, err)
		mustState(t, p, "bob@example.net", consts.StateRunningMaintenance)
	}

	_, err := p.Tick(ctx, "bob@example.net")
	require.Error(t, err)
	mustState(t, p, "bob@example.net", consts.StateError)

	st, err := p.State("bob@example.net")
	require.NoError(t, err)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "imap down")

	// Error state refuses ticks until an operator restarts.
	_, err = p.Tick(ctx, "bob@example.net")
	assert.ErrorIs(t, err, consts.ErrAccountInError)

	require.NoError(t, p.Restart("bob@example.net"))
	mustState(t, p, "bob@example.net", consts.StateRunningMaintenance)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	runner := &stubRunner{batchErr: errors.New("imap down")}
	p := newTestProcessor(t, runner)
	ctx := context.Background()

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))

	_, err := p.Tick(ctx, "bob@example.net")
	require.Error(t, err)

	runner.mu.Lock()
	runner.batchErr = nil
	runner.mu.Unlock()

	_, err = p.Tick(ctx, "bob@example.net")
	require.NoError(t, err)

	st, err := p.State("bob@example.net")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestTrainingFailureCountsAsTickFailure(t *testing.T) {
	runner := &stubRunner{trainingErr: errors.New("folder missing")}
	p := newTestProcessor(t, runner)

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	_, err := p.Tick(context.Background(), "bob@example.net")
	require.Error(t, err)

	st, stErr := p.State("bob@example.net")
	require.NoError(t, stErr)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestTrainingTickSkipsClassification(t *testing.T) {
	runner := &stubRunner{}
	p := newTestProcessor(t, runner)

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	harvested, err := p.TrainingTick(context.Background(), "bob@example.net")
	require.NoError(t, err)

	assert.Equal(t, 1, harvested)
	assert.Equal(t, 1, runner.trainCalls)
	assert.Equal(t, 0, runner.batchCalls, "training tick must not classify")
}

func TestTrainingTickOnlyInMaintenance(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})

	_, err := p.TrainingTick(context.Background(), "bob@example.net")
	assert.ErrorIs(t, err, consts.ErrStateConflict, "stopped account cannot harvest")

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))
	_, err = p.TrainingTick(context.Background(), "bob@example.net")
	assert.ErrorIs(t, err, consts.ErrStateConflict)
}

func TestTrainingTickFailureFeedsCounter(t *testing.T) {
	runner := &stubRunner{trainingErr: errors.New("folder missing")}
	p := newTestProcessor(t, runner)

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	_, err := p.TrainingTick(context.Background(), "bob@example.net")
	require.Error(t, err)

	st, stErr := p.State("bob@example.net")
	require.NoError(t, stErr)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestConcurrentOperationRejected(t *testing.T) {
	runner := &stubRunner{
		blockBatch:   make(chan struct{}),
		batchStarted: make(chan struct{}, 1),
	}
	p := newTestProcessor(t, runner)
	ctx := context.Background()

	require.NoError(t, p.Start("bob@example.net", consts.ModeStartup))

	done := make(chan error, 1)
	go func() {
		_, err := p.TriggerBatch(ctx, "bob@example.net", 10)
		done <- err
	}()

	<-runner.batchStarted

	_, err := p.TriggerBatch(ctx, "bob@example.net", 10)
	assert.ErrorIs(t, err, consts.ErrBatchInProgress)

	close(runner.blockBatch)
	require.NoError(t, <-done)
}

func TestStopInterruptsInFlightBatch(t *testing.T) {
	runner := &stubRunner{
		blockBatch:   make(chan struct{}),
		batchStarted: make(chan struct{}, 1),
	}
	p := newTestProcessor(t, runner)
	ctx := context.Background()

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))

	done := make(chan error, 1)
	go func() {
		_, err := p.Tick(ctx, "bob@example.net")
		done <- err
	}()

	<-runner.batchStarted
	require.NoError(t, p.Stop("bob@example.net"))

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	mustState(t, p, "bob@example.net", consts.StateStopped)

	// The interrupted tick is not an account failure.
	st, stErr := p.State("bob@example.net")
	require.NoError(t, stErr)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestStatesSnapshot(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})
	p.Register(config.AccountConfig{Email: "carol@example.org"})

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))

	states := p.States()
	require.Len(t, states, 2)
	assert.Equal(t, consts.StateRunningMaintenance, states["bob@example.net"].State)
	assert.Equal(t, consts.ModeMaintenance, states["bob@example.net"].Mode)
	assert.Equal(t, consts.StateStopped, states["carol@example.org"].State)

	assert.Equal(t, []string{"bob@example.net"}, p.MaintenanceAccounts())
}

func TestStopAll(t *testing.T) {
	p := newTestProcessor(t, &stubRunner{})
	p.Register(config.AccountConfig{Email: "carol@example.org"})

	require.NoError(t, p.Start("bob@example.net", consts.ModeMaintenance))
	require.NoError(t, p.Start("carol@example.org", consts.ModeStartup))

	p.StopAll()
	mustState(t, p, "bob@example.net", consts.StateStopped)
	mustState(t, p, "carol@example.org", consts.StateStopped)
}
