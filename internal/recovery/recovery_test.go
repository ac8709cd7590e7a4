package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrun/fleetrun/internal/clock"
	"github.com/fleetrun/fleetrun/internal/persistence"
)

type stubAccounts struct {
	persistence.AccountsRepo
	mu          sync.Mutex
	consecutive int
	blownCalls  int
	blownReason string
	resetCalls  int
	nextAttempt persistence.AccountAttempt
}

func (s *stubAccounts) MarkAttemptBlown(_ context.Context, _, reason string, _ float64, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blownCalls == 0 {
		s.consecutive++
	}
	s.blownCalls++
	s.blownReason = reason
	return s.consecutive, nil
}

func (s *stubAccounts) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blownCalls
}

func (s *stubAccounts) ResetForNewAttempt(_ context.Context, accountID string, startingBalance float64) (*persistence.AccountAttempt, error) {
	s.resetCalls++
	s.consecutive = 0
	s.nextAttempt = persistence.AccountAttempt{
		ID: "att-next", AccountID: accountID, AttemptNumber: 2,
		Status: persistence.AttemptActive, StartingBalance: startingBalance,
	}
	return &s.nextAttempt, nil
}

type stubBots struct {
	persistence.BotsRepo
	bots         []persistence.Bot
	stages       map[string]persistence.Stage
	stageReasons map[string]string
	zeroed       []string
	flagsCleared int
}

func (s *stubBots) ListByAccount(context.Context, string) ([]persistence.Bot, error) {
	return s.bots, nil
}

func (s *stubBots) UpdateStage(_ context.Context, botID string, stage persistence.Stage, reason string) error {
	s.stages[botID] = stage
	s.stageReasons[botID] = reason
	return nil
}

func (s *stubBots) UpdateLiveMetrics(_ context.Context, botID string, metrics map[string]interface{}) error {
	if len(metrics) == 0 {
		s.zeroed = append(s.zeroed, botID)
	}
	return nil
}

func (s *stubBots) ClearRecoveryFlags(context.Context, string) error {
	s.flagsCleared++
	return nil
}

type stubEvents struct {
	persistence.EventsRepo
	events []persistence.Event
}

func (s *stubEvents) Append(_ context.Context, e persistence.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *stubEvents) ofType(t string) []persistence.Event {
	var out []persistence.Event
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type stubQueue struct {
	enqueued []string
}

func (s *stubQueue) EnqueueIdempotent(_ context.Context, botID, jobType string, _ *int, _ map[string]interface{}) (*persistence.Job, bool, error) {
	for _, id := range s.enqueued {
		if id == botID {
			return &persistence.Job{ID: "existing", JobType: jobType}, false, nil
		}
	}
	s.enqueued = append(s.enqueued, botID)
	return &persistence.Job{ID: "job-" + botID, JobType: jobType}, true, nil
}

type stubStopper struct {
	stopped []string
}

func (s *stubStopper) StopAccount(_ context.Context, accountID string) []string {
	s.stopped = append(s.stopped, accountID)
	return []string{"bot-1", "bot-2"}
}

func newHandlerRig(consecutiveBefore int) (*Handler, *stubAccounts, *stubBots, *stubQueue, *stubStopper, *stubEvents) {
	accounts := &stubAccounts{consecutive: consecutiveBefore}
	bots := &stubBots{
		bots: []persistence.Bot{
			{ID: "bot-1", Stage: persistence.StagePaper},
			{ID: "bot-2", Stage: persistence.StageShadow},
		},
		stages:       map[string]persistence.Stage{},
		stageReasons: map[string]string{},
	}
	queue := &stubQueue{}
	stopper := &stubStopper{}
	events := &stubEvents{}
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	h := NewHandler(accounts, bots, events, queue, stopper, clk)
	return h, accounts, bots, queue, stopper, events
}

func TestThirdBlownDemotesAttachedBots(t *testing.T) {
	h, accounts, bots, queue, stopper, events := newHandlerRig(2)

	err := h.HandleDepletion(context.Background(), Depletion{
		AccountID: "acct-1", AttemptID: "att-1", Balance: -5,
	})
	require.NoError(t, err)

	require.Equal(t, BlownReasonDepleted, accounts.blownReason)
	require.Equal(t, []string{"acct-1"}, stopper.stopped)
	require.Equal(t, persistence.StageTrials, bots.stages["bot-1"])
	require.Equal(t, persistence.StageTrials, bots.stages["bot-2"])
	require.Equal(t, DemotionReason, bots.stageReasons["bot-1"])
	require.Empty(t, queue.enqueued, "demoted bots get no improvement job")

	require.Len(t, events.ofType("ACCOUNT_BLOWN"), 1)
	require.Len(t, events.ofType("BOT_DEMOTED"), 2)
}

func TestEarlyBlownQueuesImprovingJobs(t *testing.T) {
	h, _, bots, queue, _, events := newHandlerRig(1)

	err := h.HandleDepletion(context.Background(), Depletion{
		AccountID: "acct-1", AttemptID: "att-1", Balance: -12,
	})
	require.NoError(t, err)

	require.Empty(t, bots.stages, "no demotion below the threshold")
	require.ElementsMatch(t, []string{"bot-1", "bot-2"}, queue.enqueued)
	require.Empty(t, events.ofType("BOT_DEMOTED"))
}

func TestImprovingJobIsIdempotent(t *testing.T) {
	h, accounts, _, queue, _, _ := newHandlerRig(0)
	ctx := context.Background()
	d := Depletion{AccountID: "acct-1", AttemptID: "att-1", Balance: -1}

	require.NoError(t, h.HandleDepletion(ctx, d))
	require.NoError(t, h.HandleDepletion(ctx, d))

	require.Equal(t, 1, accounts.consecutive, "re-delivery does not double count")
	require.ElementsMatch(t, []string{"bot-1", "bot-2"}, queue.enqueued)
}

func TestNotifyIsAsynchronous(t *testing.T) {
	h, accounts, _, _, _, _ := newHandlerRig(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	h.Notify(Depletion{AccountID: "acct-1", AttemptID: "att-1", Balance: -3})
	require.Eventually(t, func() bool { return accounts.calls() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestResetAccount(t *testing.T) {
	h, accounts, bots, _, _, events := newHandlerRig(3)

	attempt, err := h.ResetAccount(context.Background(), "acct-1", 1000)
	require.NoError(t, err)

	require.Equal(t, 1, accounts.resetCalls)
	require.Equal(t, 2, attempt.AttemptNumber)
	require.Equal(t, persistence.AttemptActive, attempt.Status)
	require.ElementsMatch(t, []string{"bot-1", "bot-2"}, bots.zeroed)
	require.Equal(t, 1, bots.flagsCleared)
	require.Len(t, events.ofType("ACCOUNT_RESET"), 1)
}
