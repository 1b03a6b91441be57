package review

// DeriveStatus maps a representative run (nil when none matched) and the
// number of attributed comments to a status.
//
//	no run,  no comments      -> NotFound
//	no run,  comments         -> Done
//	run not completed         -> Running
//	completed, no comments    -> WaitingForComment
//	completed, comments       -> Done
func DeriveStatus(run *CheckRun, commentCount int) RunStatus {
	if run == nil {
		if commentCount > 0 {
			return StatusDone
		}
		return StatusNotFound
	}
	if !run.Completed() {
		return StatusRunning
	}
	if commentCount == 0 {
		return StatusWaitingForComment
	}
	return StatusDone
}

// urgency ranks statuses for aggregation. NotFound counts as waiting.
func urgency(s RunStatus) int {
	switch s {
	case StatusRunning:
		return 2
	case StatusWaitingForComment, StatusNotFound:
		return 1
	default:
		return 0
	}
}

// AggregateStatus returns Running if any agent is running, otherwise
// WaitingForComment if any agent is waiting or missing, otherwise Done.
func AggregateStatus(runs []AgentRun) RunStatus {
	top := 0
	for _, r := range runs {
		if u := urgency(r.Status); u > top {
			top = u
		}
	}
	switch top {
	case 2:
		return StatusRunning
	case 1:
		return StatusWaitingForComment
	default:
		return StatusDone
	}
}
