package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payline/internal/collab"
	"payline/internal/config"
	"payline/internal/events"
	"payline/internal/pipeline"
	"payline/internal/repo"

	"payline/internal/domain"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Builder  pipeline.Builder
	Policies collab.PolicyStore
	Gateway  collab.PaymentGateway
	Log      *logrus.Logger
	Now      func() time.Time

	locks *runLocks
}

// ErrRunBusy is returned when a calculation, recalculation or resolution is
// requested while another one is in flight for the same run.
var ErrRunBusy = errors.New("run busy")

// ErrApprovalBlocked is returned when a run still carries open exceptions
// whose severity gates approval.
var ErrApprovalBlocked = errors.New("approval blocked by open exceptions")

func New(db *sql.DB, builder pipeline.Builder, policies collab.PolicyStore, gateway collab.PaymentGateway, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Builder:  builder,
		Policies: policies,
		Gateway:  gateway,
		Log:      log,
		Now:      time.Now,
		locks:    &runLocks{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// runLocks gives each run a single-flight mutex. TryLock-only; callers that
// lose the race get ErrRunBusy instead of queueing.
type runLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *runLocks) acquire(runID string) bool {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*sync.Mutex{}
	}
	m, ok := l.m[runID]
	if !ok {
		m = &sync.Mutex{}
		l.m[runID] = m
	}
	l.mu.Unlock()
	return m.TryLock()
}

func (l *runLocks) release(runID string) {
	l.mu.Lock()
	m := l.m[runID]
	l.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

func (e *Engine) lockRun(runID string) (func(), error) {
	if e.locks == nil {
		e.locks = &runLocks{}
	}
	if !e.locks.acquire(runID) {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}
	return func() { e.locks.release(runID) }, nil
}

func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.RunDraft:
		if newStatus == domain.RunProcessing {
			return nil
		}
	case domain.RunProcessing:
		if newStatus == domain.RunUnderReview || newStatus == domain.RunFailed {
			return nil
		}
	case domain.RunUnderReview:
		if newStatus == domain.RunProcessing || newStatus == domain.RunApproved {
			return nil
		}
	case domain.RunFailed:
		if newStatus == domain.RunProcessing {
			return nil
		}
	case domain.RunApproved:
		if newStatus == domain.RunCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// RunCreateOptions are parameters for opening a draft run.
type RunCreateOptions struct {
	PeriodStart   string
	PeriodEnd     string
	PolicyVersion string
	ActorID       string
}

// CreateRun opens a draft run for the period and pins the policy version it
// will be calculated with. Any older non-completed run for the same period
// is marked superseded rather than removed.
func (e *Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.PayrollRun, error) {
	start, err := time.Parse("2006-01-02", opts.PeriodStart)
	if err != nil {
		return domain.PayrollRun{}, fmt.Errorf("invalid period_start: %w", err)
	}
	end, err := time.Parse("2006-01-02", opts.PeriodEnd)
	if err != nil {
		return domain.PayrollRun{}, fmt.Errorf("invalid period_end: %w", err)
	}
	if end.Before(start) {
		return domain.PayrollRun{}, errors.New("period_end before period_start")
	}

	policy, err := e.Policies.Policy(ctx, opts.PolicyVersion)
	if err != nil {
		return domain.PayrollRun{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	if err := e.snapshotPolicyVersion(ctx, tx, policy); err != nil {
		return domain.PayrollRun{}, err
	}

	now := e.nowRFC3339()
	run := domain.PayrollRun{
		ID:            uuid.NewString(),
		PeriodStart:   opts.PeriodStart,
		PeriodEnd:     opts.PeriodEnd,
		Status:        domain.RunDraft,
		PolicyVersion: policy.Version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.supersedePriorRuns(ctx, tx, run, opts.ActorID); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.ID, "run", run.ID, opts.ActorID, events.EventPayload{
		"period_start":   run.PeriodStart,
		"period_end":     run.PeriodEnd,
		"policy_version": run.PolicyVersion,
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	e.Log.WithFields(logrus.Fields{"run_id": run.ID, "period": run.PeriodStart + ".." + run.PeriodEnd}).Info("run created")
	return run, nil
}

// snapshotPolicyVersion stores the policy payload under its version the
// first time the version is used. Versions are immutable once stored.
func (e *Engine) snapshotPolicyVersion(ctx context.Context, tx *sql.Tx, policy *config.Policy) error {
	ok, err := e.Repo.HasPolicyVersion(ctx, tx, policy.Version)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	payload, err := policy.ToYAML()
	if err != nil {
		return err
	}
	return e.Repo.InsertPolicyVersion(ctx, tx, repo.PolicyVersion{
		Version:   policy.Version,
		Payload:   string(payload),
		CreatedAt: e.nowRFC3339(),
	})
}

func (e *Engine) supersedePriorRuns(ctx context.Context, tx *sql.Tx, next domain.PayrollRun, actorID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM payroll_runs WHERE period_start=? AND period_end=? AND status NOT IN (?,?) AND superseded_by IS NULL`,
		next.PeriodStart, next.PeriodEnd, domain.RunApproved, domain.RunCompleted)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE payroll_runs SET superseded_by=?, updated_at=? WHERE id=?`, next.ID, e.nowRFC3339(), id); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "run.superseded", id, "run", id, actorID, events.EventPayload{"superseded_by": next.ID}); err != nil {
			return err
		}
	}
	return nil
}

// DiscardRun removes a draft that never calculated anything. Runs past
// draft are audit material; they can only be superseded by a new run.
func (e *Engine) DiscardRun(ctx context.Context, runID, actorID string) error {
	unlock, err := e.lockRun(runID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunDraft {
		return fmt.Errorf("run %s is %s; only draft runs can be discarded", runID, run.Status)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exceptions WHERE run_id=?`, runID); err != nil {
		return err
	}
	if err := e.Repo.DeleteLines(ctx, tx, runID); err != nil {
		return err
	}
	if err := e.Repo.DeleteRun(ctx, tx, runID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.discarded", runID, "run", runID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ApproveRun moves a reviewed run to approved. Blocked while any open or
// in-progress exception of blocking severity remains.
func (e *Engine) ApproveRun(ctx context.Context, runID, actorID string) (domain.PayrollRun, error) {
	unlock, err := e.lockRun(runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	if err := ensureRunTransition(run.Status, domain.RunApproved); err != nil {
		return domain.PayrollRun{}, err
	}
	blocking, err := e.Repo.CountBlockingExceptions(ctx, tx, runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	if blocking > 0 {
		return domain.PayrollRun{}, fmt.Errorf("%w: %d remaining on run %s", ErrApprovalBlocked, blocking, runID)
	}

	now := e.nowRFC3339()
	run.Status = domain.RunApproved
	run.ApprovedAt = &now
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.approved", runID, "run", runID, actorID, events.EventPayload{
		"total_net": run.TotalNet.String(),
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	e.Log.WithField("run_id", runID).Info("run approved")
	return run, nil
}

// CompleteRun hands the approved run to the payment gateway and marks it
// completed. The handoff happens before the status flips; a gateway failure
// leaves the run approved and retryable.
func (e *Engine) CompleteRun(ctx context.Context, runID, actorID string) (domain.PayrollRun, error) {
	unlock, err := e.lockRun(runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer unlock()

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	if err := ensureRunTransition(run.Status, domain.RunCompleted); err != nil {
		return domain.PayrollRun{}, err
	}
	lines, err := e.Repo.ListLines(ctx, runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	if e.Gateway != nil {
		if err := e.Gateway.SubmitRun(ctx, run, lines); err != nil {
			return domain.PayrollRun{}, fmt.Errorf("payment gateway: %w", err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	run.Status = domain.RunCompleted
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", runID, "run", runID, actorID, events.EventPayload{
		"lines": len(lines),
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	e.Log.WithFields(logrus.Fields{"run_id": runID, "lines": len(lines)}).Info("run completed")
	return run, nil
}
