package checkpoints

// ResumePlan is the outcome of reconciling a loaded checkpoint with the run mode.
type ResumePlan struct {
	Checkpoint Checkpoint
	// RestoreOptimizer is true when optimizer and scheduler state must be loaded.
	RestoreOptimizer bool
	StartEpoch       int
}

// Reconcile decides what a resumed run restores. A Full checkpoint outside
// evaluation-only mode restores optimizer and scheduler state and continues at the
// epoch after the saved one. Anything else restores model weights only and keeps the
// configured start epoch, so partial or foreign checkpoints cannot shift the schedule.
func Reconcile(ck Checkpoint, evalOnly bool, configuredStart int) ResumePlan {
	plan := ResumePlan{Checkpoint: ck, StartEpoch: configuredStart}
	if full, ok := ck.(*Full); ok && !evalOnly {
		plan.RestoreOptimizer = true
		plan.StartEpoch = full.Epoch + 1
	}
	return plan
}
