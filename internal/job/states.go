package job

import "github.com/KevinKickass/OpenPrintCore/internal/types"

// allowedTransitions is the full lifecycle:
//
//	queued -> pending (dispatch), cancelled (user)
//	pending -> processing (device ack), queued (ack timeout retry or
//	           device offline), failed (retries exhausted),
//	           cancelled (user)
//	processing -> completed, failed (device failure or processing
//	              timeout), queued (kept for operator-forced requeue;
//	              a presence flap leaves processing untouched)
//	failed -> queued (explicit retry)
//
// Terminal states never appear as a source except failed, which only
// re-enters via an explicit retry request. A retried job goes back to
// queued rather than straight to pending so its redelivery passes the
// same single-in-flight dispatch gate as any other queued job.
var allowedTransitions = map[types.JobState][]types.JobState{
	types.JobStateQueued:     {types.JobStatePending, types.JobStateCancelled},
	types.JobStatePending:    {types.JobStateProcessing, types.JobStateQueued, types.JobStateFailed, types.JobStateCancelled},
	types.JobStateProcessing: {types.JobStateCompleted, types.JobStateFailed, types.JobStateQueued},
	types.JobStateFailed:     {types.JobStateQueued},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to types.JobState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
