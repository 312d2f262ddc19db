package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"payline/internal/detector"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/pipeline"
	"payline/internal/repo"
)

// calcConcurrency bounds the per-line fan-out.
const calcConcurrency = 8

// Scope narrows a recalculation. The zero value means the whole run from
// the snapshot stage.
type Scope struct {
	// Stage to restart from; empty means snapshot.
	Stage domain.Stage
	// EmployeeID limits the recalculation to one line; empty means all.
	EmployeeID string
}

func (s Scope) stage() domain.Stage {
	if s.Stage == "" {
		return domain.StageSnapshot
	}
	return s.Stage
}

func (s Scope) describe() string {
	if s.EmployeeID != "" {
		return fmt.Sprintf("employee %s from %s", s.EmployeeID, s.stage())
	}
	return fmt.Sprintf("all from %s", s.stage())
}

// RunPipeline calculates a draft run for the first time.
func (e *Engine) RunPipeline(ctx context.Context, runID, actorID string) (domain.PayrollRun, error) {
	return e.calculate(ctx, runID, Scope{}, actorID)
}

// Recalculate re-runs a reviewed or failed run, restricted by scope.
func (e *Engine) Recalculate(ctx context.Context, runID string, scope Scope, actorID string) (domain.PayrollRun, error) {
	if scope.Stage != "" && !domain.ValidStage(scope.Stage) {
		return domain.PayrollRun{}, fmt.Errorf("unknown stage %q", scope.Stage)
	}
	return e.calculate(ctx, runID, scope, actorID)
}

func (e *Engine) calculate(ctx context.Context, runID string, scope Scope, actorID string) (domain.PayrollRun, error) {
	unlock, err := e.lockRun(runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer unlock()

	run, err := e.markProcessing(ctx, runID, scope, actorID)
	if err != nil {
		return domain.PayrollRun{}, err
	}

	lines, calcErr := e.execute(ctx, run, scope)
	if calcErr != nil {
		e.Log.WithFields(logrus.Fields{"run_id": runID, "error": calcErr}).Error("run calculation failed")
		return e.settleFailed(ctx, run, calcErr, actorID)
	}
	return e.settle(ctx, run, lines, scope, actorID)
}

// markProcessing transitions the run and commits, so its status is visible
// to readers while the calculation is in flight.
func (e *Engine) markProcessing(ctx context.Context, runID string, scope Scope, actorID string) (domain.PayrollRun, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	if err := ensureRunTransition(run.Status, domain.RunProcessing); err != nil {
		return domain.PayrollRun{}, err
	}
	run.Status = domain.RunProcessing
	run.FailureReason = ""
	run.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.processing", runID, "run", runID, actorID, events.EventPayload{
		"scope": scope.describe(),
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	return run, nil
}

// execute produces the new set of calculated lines for the scope. All line
// math runs in memory; nothing is persisted here.
func (e *Engine) execute(ctx context.Context, run domain.PayrollRun, scope Scope) ([]domain.PayrollLine, error) {
	policy, err := e.Policies.Policy(ctx, run.PolicyVersion)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	existing, err := e.Repo.ListLines(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	byEmployee := make(map[string]domain.PayrollLine, len(existing))
	for _, l := range existing {
		byEmployee[l.EmployeeID] = l
	}

	lines, err := e.scopedLines(ctx, run, scope, byEmployee)
	if err != nil {
		return nil, err
	}

	fromSnapshot := scope.stage() == domain.StageSnapshot

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(calcConcurrency)
	for i := range lines {
		line := &lines[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if fromSnapshot {
				emp := line.employee
				res := e.Builder.Snapshot(gctx, &line.PayrollLine, emp, run.PeriodStart, run.PeriodEnd)
				if res.Incomplete() {
					return nil
				}
			}
			pipeline.Run(&line.PayrollLine, policy, afterSnapshot(scope.stage()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.PayrollLine, len(lines))
	for i, l := range lines {
		out[i] = l.PayrollLine
	}
	return out, nil
}

func afterSnapshot(s domain.Stage) domain.Stage {
	if s == domain.StageSnapshot {
		return domain.StagePolicy
	}
	return s
}

type calcLine struct {
	domain.PayrollLine
	employee domain.Employee
}

// scopedLines selects or creates the lines the scope covers. A full-run
// scope refreshes the population from the directory; narrower scopes reuse
// the frozen snapshot.
func (e *Engine) scopedLines(ctx context.Context, run domain.PayrollRun, scope Scope, byEmployee map[string]domain.PayrollLine) ([]calcLine, error) {
	now := e.nowRFC3339()

	if scope.stage() != domain.StageSnapshot {
		if scope.EmployeeID != "" {
			l, err := e.Repo.GetLineByEmployee(ctx, run.ID, scope.EmployeeID)
			if err == repo.ErrNotFound {
				return nil, fmt.Errorf("no line for employee %s on run %s", scope.EmployeeID, run.ID)
			}
			if err != nil {
				return nil, err
			}
			if l.Excluded {
				return nil, fmt.Errorf("employee %s is no longer in the payroll population of run %s", scope.EmployeeID, run.ID)
			}
			l.UpdatedAt = now
			return []calcLine{{PayrollLine: l}}, nil
		}
		var out []calcLine
		for _, l := range byEmployee {
			if l.Excluded {
				continue
			}
			l.UpdatedAt = now
			out = append(out, calcLine{PayrollLine: l})
		}
		return out, nil
	}

	emps, err := e.Builder.Employees(ctx)
	if err != nil {
		return nil, err
	}
	var out []calcLine
	for _, emp := range emps {
		if scope.EmployeeID != "" && emp.ID != scope.EmployeeID {
			continue
		}
		l, ok := byEmployee[emp.ID]
		if !ok {
			l = domain.PayrollLine{
				ID:         uuid.NewString(),
				RunID:      run.ID,
				EmployeeID: emp.ID,
				CreatedAt:  now,
			}
		}
		// A previously excluded employee is back in the population.
		l.Excluded = false
		l.UpdatedAt = now
		out = append(out, calcLine{PayrollLine: l, employee: emp})
	}
	if scope.EmployeeID != "" && len(out) == 0 {
		return nil, fmt.Errorf("employee %s not in payroll population", scope.EmployeeID)
	}
	return out, nil
}

// settle persists the calculated lines, synchronizes exceptions, refreshes
// run totals and moves the run to under_review, all in one transaction.
func (e *Engine) settle(ctx context.Context, run domain.PayrollRun, lines []domain.PayrollLine, scope Scope, actorID string) (domain.PayrollRun, error) {
	policy, err := e.Policies.Policy(ctx, run.PolicyVersion)
	if err != nil {
		return domain.PayrollRun{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	if scope.stage() == domain.StageSnapshot && scope.EmployeeID == "" {
		if err := e.excludeDepartedLines(ctx, tx, run.ID, lines, actorID); err != nil {
			return domain.PayrollRun{}, err
		}
	}

	now := e.nowRFC3339()
	for i := range lines {
		line := &lines[i]
		if line.Finalized && line.FinalizedAt == nil {
			line.FinalizedAt = &now
		}
		if err := e.upsertLine(ctx, tx, *line); err != nil {
			return domain.PayrollRun{}, err
		}
		if err := e.syncExceptions(ctx, tx, run.ID, *line, detector.Detect(*line, policy), actorID); err != nil {
			return domain.PayrollRun{}, err
		}
	}

	all, err := e.Repo.ListLinesTx(ctx, tx, run.ID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	run = e.refreshTotals(run, all)

	open, err := e.Repo.CountOpenExceptions(ctx, tx, run.ID)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	run.OpenExceptions = open
	run.Status = domain.RunUnderReview
	run.FailureReason = ""
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.calculated", run.ID, "run", run.ID, actorID, events.EventPayload{
		"employee_count":  run.EmployeeCount,
		"total_gross":     run.TotalGross.String(),
		"total_net":       run.TotalNet.String(),
		"open_exceptions": run.OpenExceptions,
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"run_id":          run.ID,
		"employees":       run.EmployeeCount,
		"open_exceptions": run.OpenExceptions,
	}).Info("run calculated")
	return run, nil
}

func (e *Engine) settleFailed(ctx context.Context, run domain.PayrollRun, calcErr error, actorID string) (domain.PayrollRun, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PayrollRun{}, err
	}
	defer tx.Rollback()

	run.Status = domain.RunFailed
	run.FailureReason = calcErr.Error()
	run.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ID, "run", run.ID, actorID, events.EventPayload{
		"reason": run.FailureReason,
	}); err != nil {
		return domain.PayrollRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PayrollRun{}, err
	}
	return run, calcErr
}

// excludeDepartedLines marks lines whose employee is no longer in the
// population after a full snapshot rebuild. Nothing is deleted once a stage
// has executed: the line row stays with Excluded set, its open exceptions
// auto-resolve, and totals stop counting it. A later rebuild that sees the
// employee again clears the flag.
func (e *Engine) excludeDepartedLines(ctx context.Context, tx *sql.Tx, runID string, kept []domain.PayrollLine, actorID string) error {
	keep := make(map[string]bool, len(kept))
	for _, l := range kept {
		keep[l.ID] = true
	}
	existing, err := e.Repo.ListLinesTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	for _, l := range existing {
		if keep[l.ID] || l.Excluded {
			continue
		}
		exs, err := e.Repo.ListExceptionsTx(ctx, tx, runID, repo.ExceptionFilters{LineID: l.ID})
		if err != nil {
			return err
		}
		for _, ex := range exs {
			if !ex.Open() {
				continue
			}
			ex.Status = domain.ExceptionResolved
			ex.ResolutionNote = "employee left the payroll population"
			ex.ResolvedBy = "system"
			ex.ResolvedAt = &now
			ex.UpdatedAt = now
			if err := e.Repo.UpdateException(ctx, tx, ex); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "exception.auto_resolved", runID, "exception", ex.ID, "system", events.EventPayload{
				"type":   string(ex.Type),
				"reason": "employee left the payroll population",
			}); err != nil {
				return err
			}
		}
		l.Excluded = true
		l.UpdatedAt = now
		if err := e.Repo.UpdateLine(ctx, tx, l); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "line.excluded", runID, "line", l.ID, actorID, events.EventPayload{
			"employee_id": l.EmployeeID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) upsertLine(ctx context.Context, tx *sql.Tx, line domain.PayrollLine) error {
	err := e.Repo.UpdateLine(ctx, tx, line)
	if err == repo.ErrNotFound {
		return e.Repo.InsertLine(ctx, tx, line)
	}
	return err
}

// refreshTotals recomputes the run aggregates in a single pass. Totals sum
// finalized lines only; a run with unfinalized lines shows partial totals
// and its stage status says so.
func (e *Engine) refreshTotals(run domain.PayrollRun, lines []domain.PayrollLine) domain.PayrollRun {
	gross, net := decimal.Zero, decimal.Zero
	done := map[domain.Stage]int{}
	count := 0
	for _, l := range lines {
		if l.Excluded {
			continue
		}
		count++
		if l.Finalized {
			if l.GrossPay != nil {
				gross = gross.Add(*l.GrossPay)
			}
			if l.NetPay != nil {
				net = net.Add(*l.NetPay)
			}
		}
		for _, s := range domain.Stages {
			if l.StageDone[string(s)] {
				done[s]++
			}
		}
	}
	run.EmployeeCount = count
	run.TotalGross = gross
	run.TotalNet = net
	run.StageStatus = map[string]string{}
	for _, s := range domain.Stages {
		run.StageStatus[string(s)] = fmt.Sprintf("%d/%d", done[s], count)
	}
	return run
}

// syncExceptions reconciles the line's open exceptions with the detector's
// findings. New findings open exceptions; an open exception whose condition
// is gone auto-resolves. Resolved and rejected exceptions are never reopened
// in place; a recurring condition opens a fresh one.
func (e *Engine) syncExceptions(ctx context.Context, tx *sql.Tx, runID string, line domain.PayrollLine, findings []detector.Finding, actorID string) error {
	existing, err := e.Repo.ListExceptionsTx(ctx, tx, runID, repo.ExceptionFilters{LineID: line.ID})
	if err != nil {
		return err
	}
	openByType := map[domain.ExceptionType]domain.Exception{}
	for _, ex := range existing {
		if ex.Open() {
			openByType[ex.Type] = ex
		}
	}

	now := e.nowRFC3339()
	found := map[domain.ExceptionType]bool{}
	for _, f := range findings {
		found[f.Type] = true
		if _, ok := openByType[f.Type]; ok {
			continue
		}
		ex := domain.Exception{
			ID:          uuid.NewString(),
			RunID:       runID,
			LineID:      line.ID,
			EmployeeID:  line.EmployeeID,
			Type:        f.Type,
			Severity:    f.Severity,
			Description: f.Description,
			Status:      domain.ExceptionOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertException(ctx, tx, ex); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "exception.opened", runID, "exception", ex.ID, actorID, events.EventPayload{
			"type":        string(ex.Type),
			"severity":    string(ex.Severity),
			"employee_id": ex.EmployeeID,
		}); err != nil {
			return err
		}
	}

	for t, ex := range openByType {
		if found[t] {
			continue
		}
		ex.Status = domain.ExceptionResolved
		ex.ResolutionNote = "condition no longer present after recalculation"
		ex.ResolvedBy = "system"
		ex.ResolvedAt = &now
		ex.UpdatedAt = now
		if err := e.Repo.UpdateException(ctx, tx, ex); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "exception.auto_resolved", runID, "exception", ex.ID, "system", events.EventPayload{
			"type": string(ex.Type),
		}); err != nil {
			return err
		}
	}
	return nil
}
