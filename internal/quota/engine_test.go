package quota

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	ledgersqlite "github.com/fleetmeter/fleetmeter-engine/internal/ledger/sqlite"
	"github.com/fleetmeter/fleetmeter-engine/internal/rates"
	"github.com/fleetmeter/fleetmeter-engine/internal/session"
	sessionsqlite "github.com/fleetmeter/fleetmeter-engine/internal/session/sqlite"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	ls, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	t.Cleanup(func() { _ = ls.Close() })
	ss, err := sessionsqlite.New(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	table := rates.New(map[string]int{"cpu": 1, "gpu": 2, "npu": 4}, 1)
	return NewEngine(cfg, ls, ss, table, nil)
}

func setBalance(t *testing.T, e *Engine, username string, balance int) {
	t.Helper()
	if _, err := e.AdminApply(context.Background(), username, AdminOp{Action: AdminSet, Amount: balance}); err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
}

func TestTryStartDeniedBelowEstimate(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "alice", 50)

	// 60 min of cpu at 1/min needs 60, balance is 50
	_, err := e.TryStart(ctx, "alice", "cpu", 60)
	denial, ok := IsInsufficientQuota(err)
	if !ok {
		t.Fatalf("expected denial, got %v", err)
	}
	if denial.Balance != 50 || denial.EstimatedCost != 60 {
		t.Errorf("unexpected denial: %+v", denial)
	}
	// the message tells the user the most they can afford
	if !strings.Contains(denial.Error(), "max: 50 min") {
		t.Errorf("expected max affordable minutes in message, got %q", denial.Error())
	}

	// no session was opened
	count, err := e.ActiveSessionCount(ctx)
	if err != nil {
		t.Fatalf("ActiveSessionCount: %v", err)
	}
	if count != 0 {
		t.Errorf("denied request must not open a session, got %d active", count)
	}
}

func TestTryStartDeniedBelowMinimum(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "bob", 5)

	// estimate (2) fits but the balance is below the floor
	_, err := e.TryStart(ctx, "bob", "cpu", 2)
	denial, ok := IsInsufficientQuota(err)
	if !ok {
		t.Fatalf("expected denial, got %v", err)
	}
	if !strings.Contains(denial.Error(), "minimum to start: 10") {
		t.Errorf("expected minimum in message, got %q", denial.Error())
	}
}

func TestTryStartAdmitsAndSnapshotsRate(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "carol", 500)

	sess, err := e.TryStart(ctx, "Carol", "gpu", 30)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	if sess.Username != "carol" {
		t.Errorf("expected normalized username, got %q", sess.Username)
	}
	if sess.Rate != 2 {
		t.Errorf("expected gpu rate 2, got %d", sess.Rate)
	}
	if sess.Status != session.StatusActive {
		t.Errorf("expected active, got %s", sess.Status)
	}

	// admission never deducts
	row, err := e.Balance(ctx, "carol")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 500 {
		t.Errorf("admission must not touch the balance, got %d", row.Balance)
	}
}

func TestTryStartDefaultGrantForNewUser(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, DefaultQuota: 100, MinimumToStart: 10})
	ctx := context.Background()

	if _, err := e.TryStart(ctx, "newbie", "cpu", 30); err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	_, txs, err := e.UserDetail(ctx, "newbie", 10)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != ledger.TypeInitialGrant || txs[0].Amount != 100 {
		t.Fatalf("expected one initial_grant of 100, got %+v", txs)
	}
}

func TestTryStartUnlimitedBypassesBalance(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	if _, err := e.AdminApply(ctx, "root", AdminOp{Action: AdminSetUnlimited, Unlimited: true}); err != nil {
		t.Fatalf("grant unlimited: %v", err)
	}

	// balance is zero but the user is unlimited
	if _, err := e.TryStart(ctx, "root", "npu", 600); err != nil {
		t.Fatalf("unlimited user must always be admitted: %v", err)
	}
}

func TestTryStartRejectsBadInput(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()

	if _, err := e.TryStart(ctx, "", "cpu", 10); err == nil {
		t.Error("expected error for empty username")
	}
	if _, err := e.TryStart(ctx, "alice", "cpu", 0); err == nil {
		t.Error("expected error for zero minutes")
	}
}

func TestCloseSettlesAtSnapshottedRate(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "dana", 500)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }

	sess, err := e.TryStart(ctx, "dana", "gpu", 60)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	// 22m15s elapsed rounds up to 23 billable minutes at 2/min
	settlement, err := e.Close(ctx, sess.ID, start.Add(22*time.Minute+15*time.Second))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if settlement.DurationMinutes != 23 {
		t.Errorf("expected 23 min, got %d", settlement.DurationMinutes)
	}
	if settlement.Charged != 46 {
		t.Errorf("expected charge 46, got %d", settlement.Charged)
	}
	if settlement.NewBalance != 454 {
		t.Errorf("expected balance 454, got %d", settlement.NewBalance)
	}
	if settlement.Session.Status != session.StatusStopped {
		t.Errorf("expected stopped, got %s", settlement.Session.Status)
	}

	_, txs, err := e.UserDetail(ctx, "dana", 10)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	if txs[0].Type != ledger.TypeUsage || txs[0].Amount != -46 {
		t.Fatalf("expected usage transaction of -46, got %+v", txs[0])
	}
	if txs[0].ResourceType != "gpu" {
		t.Errorf("expected resource type recorded, got %q", txs[0].ResourceType)
	}
}

func TestCloseIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "ed", 500)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "ed", "cpu", 60)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	ended := start.Add(10 * time.Minute)
	first, err := e.Close(ctx, sess.ID, ended)
	if err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if first.AlreadyClosed || first.Charged != 10 {
		t.Fatalf("unexpected first settlement: %+v", first)
	}

	second, err := e.Close(ctx, sess.ID, ended.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !second.AlreadyClosed {
		t.Error("second close must report already closed")
	}
	if second.Charged != 0 {
		t.Errorf("second close must not charge, got %d", second.Charged)
	}

	// exactly one usage transaction
	_, txs, err := e.UserDetail(ctx, "ed", 50)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	usage := 0
	for _, tx := range txs {
		if tx.Type == ledger.TypeUsage {
			usage++
		}
	}
	if usage != 1 {
		t.Fatalf("expected exactly one usage transaction, got %d", usage)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})

	_, err := e.Close(context.Background(), 12345, time.Now())
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestCloseCanDriveBalanceNegative(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "frank", 20)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "frank", "cpu", 15)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	// session ran far past the requested time
	settlement, err := e.Close(ctx, sess.ID, start.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if settlement.NewBalance != -70 {
		t.Errorf("expected balance -70, got %d", settlement.NewBalance)
	}
}

func TestCloseUnlimitedUserChargesNothing(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	if _, err := e.AdminApply(ctx, "root", AdminOp{Action: AdminSetUnlimited, Unlimited: true}); err != nil {
		t.Fatalf("grant unlimited: %v", err)
	}

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "root", "gpu", 60)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	settlement, err := e.Close(ctx, sess.ID, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if settlement.Charged != 0 {
		t.Errorf("unlimited user must not be charged, got %d", settlement.Charged)
	}
	if settlement.DurationMinutes != 60 {
		t.Errorf("duration still tracked, got %d", settlement.DurationMinutes)
	}
}

func TestDisabledEngineAdmitsAndSettlesWithoutLedger(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: false, MinimumToStart: 10})
	ctx := context.Background()

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }

	// no ledger row, no balance, still admitted
	sess, err := e.TryStart(ctx, "ghost", "gpu", 60)
	if err != nil {
		t.Fatalf("TryStart with quota disabled: %v", err)
	}
	settlement, err := e.Close(ctx, sess.ID, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if settlement.Charged != 0 {
		t.Errorf("disabled engine must not charge, got %d", settlement.Charged)
	}

	// sessions are still tracked
	if settlement.Session.Status != session.StatusStopped {
		t.Errorf("expected stopped, got %s", settlement.Session.Status)
	}
	rows, err := e.Balances(ctx)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("disabled engine must not create ledger rows, got %d", len(rows))
	}
}

func TestCleanupStaleNeverTouchesLedger(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10, StaleAfter: 8 * time.Hour})
	ctx := context.Background()
	setBalance(t, e, "gina", 500)
	setBalance(t, e, "gina2", 500)

	start := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	stale, err := e.TryStart(ctx, "gina", "cpu", 60)
	if err != nil {
		t.Fatalf("TryStart stale: %v", err)
	}

	e.timeNow = func() time.Time { return start.Add(7 * time.Hour) }
	fresh, err := e.TryStart(ctx, "gina2", "cpu", 60)
	if err != nil {
		t.Fatalf("TryStart fresh: %v", err)
	}

	e.timeNow = func() time.Time { return start.Add(10 * time.Hour) }
	cleaned, err := e.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0].SessionID != stale.ID {
		t.Fatalf("expected only the stale session reclaimed, got %+v", cleaned)
	}

	got, _, err := e.sessions.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusCleanedUp {
		t.Errorf("expected cleaned_up, got %s", got.Status)
	}
	if got.QuotaConsumed != 0 {
		t.Errorf("reaper must not charge, got %d", got.QuotaConsumed)
	}

	freshGot, _, err := e.sessions.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Get fresh: %v", err)
	}
	if freshGot.Status != session.StatusActive {
		t.Errorf("fresh session must survive the sweep, got %s", freshGot.Status)
	}

	// no transaction was written for the reclaimed session
	_, txs, err := e.UserDetail(ctx, "gina", 50)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	for _, tx := range txs {
		if tx.Type == ledger.TypeUsage {
			t.Fatalf("reaper produced a usage transaction: %+v", tx)
		}
	}
}

func TestApplyRuleTargetsAndClamps(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()

	// balances: 350, 420, 500, plus one unlimited user
	setBalance(t, e, "low", 350)
	setBalance(t, e, "mid", 420)
	setBalance(t, e, "high", 500)
	if _, err := e.AdminApply(ctx, "boss", AdminOp{Action: AdminSetUnlimited, Unlimited: true}); err != nil {
		t.Fatalf("grant unlimited: %v", err)
	}

	below := 400
	maxBal := 450
	summary, err := e.ApplyRule(ctx, RefreshRule{
		Name:       "weekly",
		Action:     ActionAdd,
		Amount:     100,
		MaxBalance: &maxBal,
		Targets:    RuleTargets{BalanceBelow: &below},
	})
	if err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	if summary.UsersUpdated != 1 {
		t.Errorf("expected 1 updated, got %d", summary.UsersUpdated)
	}
	if summary.TotalChange != 100 {
		t.Errorf("expected total change 100, got %d", summary.TotalChange)
	}
	if summary.Skipped != 3 {
		t.Errorf("expected 3 skipped, got %d", summary.Skipped)
	}

	row, err := e.Balance(ctx, "low")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 450 {
		t.Errorf("expected 350+100 clamped to 450, got %d", row.Balance)
	}
	for _, name := range []string{"mid", "high"} {
		row, err := e.Balance(ctx, name)
		if err != nil {
			t.Fatalf("Balance %s: %v", name, err)
		}
		if (name == "mid" && row.Balance != 420) || (name == "high" && row.Balance != 500) {
			t.Errorf("%s must be untouched, got %d", name, row.Balance)
		}
	}

	_, txs, err := e.UserDetail(ctx, "low", 5)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	if txs[0].Type != ledger.TypeRefresh || txs[0].Amount != 100 {
		t.Fatalf("expected refresh transaction of +100, got %+v", txs[0])
	}
	if !strings.Contains(txs[0].Description, "weekly") {
		t.Errorf("expected rule name in description, got %q", txs[0].Description)
	}
}

func TestApplyRuleNoOpCountsAsSkipped(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	setBalance(t, e, "capped", 450)

	maxBal := 450
	summary, err := e.ApplyRule(ctx, RefreshRule{
		Action:     ActionAdd,
		Amount:     100,
		MaxBalance: &maxBal,
	})
	if err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	if summary.UsersUpdated != 0 || summary.Skipped != 1 {
		t.Errorf("clamped no-op must be skipped: %+v", summary)
	}

	_, txs, err := e.UserDetail(ctx, "capped", 10)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("no-op must not append a transaction, got %d", len(txs))
	}
}

func TestApplyRuleUsernamePattern(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	setBalance(t, e, "student-1", 10)
	setBalance(t, e, "student-2", 20)
	setBalance(t, e, "prof-1", 30)

	summary, err := e.ApplyRule(ctx, RefreshRule{
		Action:  ActionSet,
		Amount:  100,
		Targets: RuleTargets{UsernamePattern: "STUDENT-"},
	})
	if err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	// pattern is case-insensitive and anchored at the start
	if summary.UsersUpdated != 2 {
		t.Errorf("expected 2 students updated, got %d", summary.UsersUpdated)
	}
	row, err := e.Balance(ctx, "prof-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 30 {
		t.Errorf("prof must be untouched, got %d", row.Balance)
	}
}

func TestApplyRuleIncludeExcludeLists(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	setBalance(t, e, "a", 1)
	setBalance(t, e, "b", 1)
	setBalance(t, e, "c", 1)

	summary, err := e.ApplyRule(ctx, RefreshRule{
		Action: ActionAdd,
		Amount: 9,
		Targets: RuleTargets{
			IncludeUsers: []string{"A", "b"},
			ExcludeUsers: []string{"b"},
		},
	})
	if err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}
	if summary.UsersUpdated != 1 {
		t.Errorf("expected only a updated, got %d", summary.UsersUpdated)
	}
	row, err := e.Balance(ctx, "a")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 10 {
		t.Errorf("expected 10, got %d", row.Balance)
	}
}

func TestApplyRuleValidationBeforeAnyWrite(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	setBalance(t, e, "alice", 100)

	cases := []RefreshRule{
		{Action: "multiply", Amount: 2},
		{Action: ActionAdd, Amount: 10, Targets: RuleTargets{UsernamePattern: "("}},
	}
	minBal := 100
	maxBal := 50
	cases = append(cases, RefreshRule{Action: ActionAdd, Amount: 1, MinBalance: &minBal, MaxBalance: &maxBal})

	for _, rule := range cases {
		if _, err := e.ApplyRule(ctx, rule); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("rule %+v: expected ErrInvalidRule, got %v", rule, err)
		}
	}

	// nothing was touched
	row, err := e.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 100 {
		t.Errorf("invalid rules must not mutate, got %d", row.Balance)
	}
}

func TestAdminApplyActions(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()

	row, err := e.AdminApply(ctx, "Heidi", AdminOp{Action: AdminSet, Amount: 200, Actor: "ops"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if row.Username != "heidi" || row.Balance != 200 {
		t.Fatalf("unexpected row after set: %+v", row)
	}

	row, err = e.AdminApply(ctx, "heidi", AdminOp{Action: AdminAdd, Amount: 50})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if row.Balance != 250 {
		t.Fatalf("expected 250, got %d", row.Balance)
	}

	row, err = e.AdminApply(ctx, "heidi", AdminOp{Action: AdminDeduct, Amount: 300})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if row.Balance != -50 {
		t.Fatalf("deduct below zero is allowed, got %d", row.Balance)
	}

	_, txs, err := e.UserDetail(ctx, "heidi", 10)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	wantTypes := []ledger.TransactionType{ledger.TypeAdminDeduct, ledger.TypeAdminAdd, ledger.TypeAdminSet}
	for i, want := range wantTypes {
		if txs[i].Type != want {
			t.Errorf("tx %d: expected %s, got %s", i, want, txs[i].Type)
		}
	}
	if txs[0].Amount != -300 {
		t.Errorf("deduct must record a negative amount, got %d", txs[0].Amount)
	}
	if txs[2].CreatedBy != "ops" {
		t.Errorf("expected actor recorded, got %q", txs[2].CreatedBy)
	}
}

func TestBatchSetPartialSuccess(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})

	result := e.BatchSet(context.Background(), []BatchItem{
		{Username: "x", Amount: 10},
		{Username: "", Amount: 20},
		{Username: "y", Amount: 30},
	}, "ops")
	if result.Success != 2 || result.Failed != 1 {
		t.Fatalf("expected 2/1, got %d/%d", result.Success, result.Failed)
	}
	if len(result.Details) != 3 {
		t.Fatalf("expected 3 details, got %d", len(result.Details))
	}
	if result.Details[1].Error == "" {
		t.Error("failed entry must carry an error")
	}
}

func TestRunReaperStartupSweep(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, StaleAfter: time.Hour})
	ctx := context.Background()
	setBalance(t, e, "zed", 100)

	start := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "zed", "cpu", 30)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	e.timeNow = func() time.Time { return start.Add(2 * time.Hour) }
	// interval 0 means startup sweep only; RunReaper returns synchronously
	e.RunReaper(ctx, 0)

	got, _, err := e.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusCleanedUp {
		t.Fatalf("expected startup sweep to reclaim the session, got %s", got.Status)
	}
}

// flakyLedger fails a fixed number of Add calls before delegating.
type flakyLedger struct {
	ledger.Store
	failures int
}

func (f *flakyLedger) Add(ctx context.Context, username string, delta int, m ledger.Mutation) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("disk I/O error")
	}
	return f.Store.Add(ctx, username, delta, m)
}

// staleSessions serves a fixed number of reads that still show the session
// as active, as a concurrent closer would observe it.
type staleSessions struct {
	session.Store
	staleReads int
}

func (s *staleSessions) Get(ctx context.Context, id int64) (session.Session, bool, error) {
	sess, ok, err := s.Store.Get(ctx, id)
	if err == nil && ok && s.staleReads > 0 {
		s.staleReads--
		sess.Status = session.StatusActive
		sess.EndedAt = nil
		sess.DurationMinutes = 0
		sess.QuotaConsumed = 0
	}
	return sess, ok, err
}

// staleList delegates everything except List, which returns a frozen snapshot.
type staleList struct {
	ledger.Store
	rows []ledger.Row
}

func (s *staleList) List(ctx context.Context) ([]ledger.Row, error) {
	return s.rows, nil
}

func TestCloseKeepsSessionActiveWhenDeductionFails(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "carol", 500)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "carol", "gpu", 60)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	e.ledger = &flakyLedger{Store: e.ledger, failures: 1}
	ended := start.Add(30 * time.Minute)
	if _, err := e.Close(ctx, sess.ID, ended); err == nil {
		t.Fatal("expected close to fail while the store is down")
	}

	// the charge was not dropped: the session stays active and unbilled
	current, ok, err := e.sessions.Get(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("Get: %v ok=%v", err, ok)
	}
	if current.Status != session.StatusActive {
		t.Fatalf("session must stay active after a failed deduction, got %s", current.Status)
	}
	row, err := e.Balance(ctx, "carol")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 500 {
		t.Fatalf("balance must be untouched after a failed close, got %d", row.Balance)
	}

	// the retry settles in full: 30 min at 2/min
	settlement, err := e.Close(ctx, sess.ID, ended)
	if err != nil {
		t.Fatalf("retry Close: %v", err)
	}
	if settlement.AlreadyClosed {
		t.Fatal("retry must perform the real settlement")
	}
	if settlement.Charged != 60 || settlement.NewBalance != 440 {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}

	_, txs, err := e.UserDetail(ctx, "carol", 50)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	usage := 0
	for _, tx := range txs {
		if tx.Type == ledger.TypeUsage {
			usage++
		}
	}
	if usage != 1 {
		t.Fatalf("expected exactly one usage transaction, got %d", usage)
	}
}

func TestCloseReversesChargeWhenLosingStopRace(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true, MinimumToStart: 10})
	ctx := context.Background()
	setBalance(t, e, "frank", 500)

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	e.timeNow = func() time.Time { return start }
	sess, err := e.TryStart(ctx, "frank", "gpu", 60)
	if err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	ended := start.Add(10 * time.Minute)
	first, err := e.Close(ctx, sess.ID, ended)
	if err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if first.Charged != 20 || first.NewBalance != 480 {
		t.Fatalf("unexpected first settlement: %+v", first)
	}

	// the duplicate closer read the session before the winner finished it
	e.sessions = &staleSessions{Store: e.sessions, staleReads: 1}
	second, err := e.Close(ctx, sess.ID, ended)
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !second.AlreadyClosed || second.Charged != 0 {
		t.Fatalf("duplicate close must report already closed, got %+v", second)
	}

	// its deduction was reversed, leaving one net charge on the books
	row, err := e.Balance(ctx, "frank")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 480 {
		t.Fatalf("expected balance 480 after reversal, got %d", row.Balance)
	}
	_, txs, err := e.UserDetail(ctx, "frank", 50)
	if err != nil {
		t.Fatalf("UserDetail: %v", err)
	}
	net := 0
	for _, tx := range txs {
		if tx.Type == ledger.TypeUsage {
			net += tx.Amount
		}
	}
	if net != -20 {
		t.Fatalf("expected net usage of -20, got %d", net)
	}
}

func TestApplyRuleClampsAgainstLiveBalance(t *testing.T) {
	e := newTestEngine(t, Config{Enabled: true})
	ctx := context.Background()
	setBalance(t, e, "grace", 430)

	// the listing snapshot predates a top-up that already landed
	e.ledger = &staleList{Store: e.ledger, rows: []ledger.Row{{Username: "grace", Balance: 300}}}

	maxBal := 450
	summary, err := e.ApplyRule(ctx, RefreshRule{
		Name:       "weekly-topup",
		Action:     ActionAdd,
		Amount:     100,
		MaxBalance: &maxBal,
	})
	if err != nil {
		t.Fatalf("ApplyRule: %v", err)
	}

	row, err := e.Balance(ctx, "grace")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if row.Balance != 450 {
		t.Fatalf("expected balance clamped to 450, got %d", row.Balance)
	}
	if summary.UsersUpdated != 1 || summary.TotalChange != 20 {
		t.Fatalf("expected the applied delta in the summary, got %+v", summary)
	}
}
