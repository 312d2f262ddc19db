package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payline/internal/detector"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/pipeline"
)

// ResolutionInput carries the corrective data for resolving an exception.
// Which fields are required depends on the exception type.
type ResolutionInput struct {
	Note           string
	AdjustedAmount *decimal.Decimal
	Bank           *domain.BankRef
}

// ClaimException moves an open exception to in_progress for the actor.
func (e *Engine) ClaimException(ctx context.Context, exceptionID, actorID string) (domain.Exception, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	ex, err := e.Repo.GetExceptionTx(ctx, tx, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if ex.Status != domain.ExceptionOpen {
		return domain.Exception{}, fmt.Errorf("exception %s is %s; only open exceptions can be claimed", ex.ID, ex.Status)
	}
	ex.Status = domain.ExceptionInProgress
	ex.ResolvedBy = actorID
	ex.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateException(ctx, tx, ex); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.claimed", ex.RunID, "exception", ex.ID, actorID, nil); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return ex, nil
}

// RejectException closes an exception without correcting anything. The
// reason is mandatory; a rejected exception does not block approval.
func (e *Engine) RejectException(ctx context.Context, exceptionID, actorID, reason string) (domain.Exception, error) {
	if reason == "" {
		return domain.Exception{}, errors.New("a rejection reason is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	ex, err := e.Repo.GetExceptionTx(ctx, tx, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if !ex.Open() {
		return domain.Exception{}, fmt.Errorf("exception %s is already %s", ex.ID, ex.Status)
	}
	now := e.nowRFC3339()
	ex.Status = domain.ExceptionRejected
	ex.ResolutionNote = reason
	ex.ResolvedBy = actorID
	ex.ResolvedAt = &now
	ex.UpdatedAt = now
	if err := e.Repo.UpdateException(ctx, tx, ex); err != nil {
		return domain.Exception{}, err
	}
	if err := e.syncRunOpenCount(ctx, tx, ex.RunID); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.rejected", ex.RunID, "exception", ex.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	return ex, nil
}

// ResolveException applies the corrective data for the exception's type,
// marks it resolved and recalculates the affected line from the policy
// stage so the correction is not clobbered by a fresh snapshot read.
func (e *Engine) ResolveException(ctx context.Context, exceptionID, actorID string, input ResolutionInput) (domain.Exception, error) {
	if input.Note == "" {
		return domain.Exception{}, errors.New("a resolution note is required")
	}

	ex, err := e.Repo.GetException(ctx, exceptionID)
	if err != nil {
		return domain.Exception{}, err
	}
	if !ex.Open() {
		return domain.Exception{}, fmt.Errorf("exception %s is already %s", ex.ID, ex.Status)
	}

	unlock, err := e.lockRun(ex.RunID)
	if err != nil {
		return domain.Exception{}, err
	}
	defer unlock()

	run, err := e.Repo.GetRun(ctx, ex.RunID)
	if err != nil {
		return domain.Exception{}, err
	}
	if run.Status != domain.RunUnderReview {
		return domain.Exception{}, fmt.Errorf("run %s is %s; exceptions are resolved under review", run.ID, run.Status)
	}
	policy, err := e.Policies.Policy(ctx, run.PolicyVersion)
	if err != nil {
		return domain.Exception{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()

	line, err := e.Repo.GetLineTx(ctx, tx, ex.LineID)
	if err != nil {
		return domain.Exception{}, err
	}
	patched, err := applyResolution(&line, ex.Type, input)
	if err != nil {
		return domain.Exception{}, err
	}

	now := e.nowRFC3339()
	if patched {
		// Re-run the calculation stages on the corrected facts. The
		// snapshot stage is skipped on purpose.
		pipeline.Run(&line, policy, domain.StagePolicy)
		if line.Finalized {
			line.FinalizedAt = &now
		}
	}
	line.UpdatedAt = now
	if err := e.Repo.UpdateLine(ctx, tx, line); err != nil {
		return domain.Exception{}, err
	}

	ex.Status = domain.ExceptionResolved
	ex.ResolutionNote = input.Note
	ex.ResolvedBy = actorID
	ex.ResolvedAt = &now
	ex.UpdatedAt = now
	if err := e.Repo.UpdateException(ctx, tx, ex); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "exception.resolved", ex.RunID, "exception", ex.ID, actorID, events.EventPayload{
		"type": string(ex.Type),
		"note": input.Note,
	}); err != nil {
		return domain.Exception{}, err
	}
	if patched {
		if err := e.Events.Append(ctx, tx, "line.patched", ex.RunID, "line", line.ID, actorID, events.EventPayload{
			"exception_id": ex.ID,
			"type":         string(ex.Type),
		}); err != nil {
			return domain.Exception{}, err
		}
		// The patch can clear other anomalies on the line, or surface new
		// ones. Reconcile them against a fresh detector pass. If the
		// condition survives the correction, a new exception opens.
		if err := e.syncExceptions(ctx, tx, ex.RunID, line, detector.Detect(line, policy), actorID); err != nil {
			return domain.Exception{}, err
		}
	}

	all, err := e.Repo.ListLinesTx(ctx, tx, ex.RunID)
	if err != nil {
		return domain.Exception{}, err
	}
	run = e.refreshTotals(run, all)
	if err := e.writeRunAggregates(ctx, tx, run); err != nil {
		return domain.Exception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Exception{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"exception_id": ex.ID,
		"run_id":       ex.RunID,
		"type":         string(ex.Type),
		"patched":      patched,
	}).Info("exception resolved")
	return ex, nil
}

// applyResolution patches the line's facts per exception type and reports
// whether anything changed that warrants a recalculation.
func applyResolution(line *domain.PayrollLine, t domain.ExceptionType, input ResolutionInput) (bool, error) {
	switch t {
	case domain.ExcMissingBankDetails:
		if input.Bank == nil || !input.Bank.Complete() {
			return false, errors.New("resolving missing bank details requires complete bank fields")
		}
		line.Bank = *input.Bank
		return true, nil

	case domain.ExcZeroBaseSalary:
		if input.AdjustedAmount == nil || !input.AdjustedAmount.IsPositive() {
			return false, errors.New("resolving a zero base salary requires a positive adjusted amount")
		}
		line.BaseSalary = *input.AdjustedAmount
		return true, nil

	case domain.ExcExcessivePenalties, domain.ExcNegativeNetPay:
		if input.AdjustedAmount == nil || input.AdjustedAmount.IsNegative() {
			return false, errors.New("resolving requires a non-negative adjusted penalty amount")
		}
		line.Penalties = *input.AdjustedAmount
		return true, nil

	case domain.ExcCalculationError:
		// Manual override: the reviewer vouches for the line as-is. The
		// error is cleared and the stages get one more chance.
		line.LastError = ""
		return true, nil
	}
	return false, fmt.Errorf("unknown exception type %q", t)
}

// syncRunOpenCount refreshes the run's open-exception counter after a
// status change that did not touch any line.
func (e *Engine) syncRunOpenCount(ctx context.Context, tx *sql.Tx, runID string) error {
	open, err := e.Repo.CountOpenExceptions(ctx, tx, runID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE payroll_runs SET open_exceptions=?, updated_at=? WHERE id=?`, open, e.nowRFC3339(), runID)
	return err
}

// writeRunAggregates persists the recomputed totals and exception counter.
func (e *Engine) writeRunAggregates(ctx context.Context, tx *sql.Tx, run domain.PayrollRun) error {
	open, err := e.Repo.CountOpenExceptions(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	run.OpenExceptions = open
	run.UpdatedAt = e.nowRFC3339()
	return e.Repo.UpdateRun(ctx, tx, run)
}
