package domain

// Stage identifies one of the ordered calculation steps.
type Stage string

const (
	StageSnapshot   Stage = "snapshot"
	StagePolicy     Stage = "policy"
	StageGross      Stage = "gross"
	StageDeductions Stage = "deductions"
	StageFinalize   Stage = "finalize"
)

// Stages in execution order.
var Stages = []Stage{StageSnapshot, StagePolicy, StageGross, StageDeductions, StageFinalize}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// StageIndex returns the position of s in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// StageResult is the per-(line, stage) outcome: success, incomplete inputs,
// or a calculation error. It is ephemeral; only its collapse into line flags
// and exceptions is persisted.
type StageResult struct {
	Stage  Stage
	kind   resultKind
	Detail string
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultIncomplete
	resultError
)

func StageOK(stage Stage) StageResult {
	return StageResult{Stage: stage, kind: resultSuccess}
}

func StageIncomplete(stage Stage, reason string) StageResult {
	return StageResult{Stage: stage, kind: resultIncomplete, Detail: reason}
}

func StageFailed(stage Stage, detail string) StageResult {
	return StageResult{Stage: stage, kind: resultError, Detail: detail}
}

func (r StageResult) OK() bool         { return r.kind == resultSuccess }
func (r StageResult) Incomplete() bool { return r.kind == resultIncomplete }
func (r StageResult) Failed() bool     { return r.kind == resultError }
