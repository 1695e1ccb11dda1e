// Package snapshot implements the Ephemeral Snapshot Protocol: strip
// any prior grounding snapshot from a chat history, then inject exactly
// one fresh snapshot at the front, never persisting either.
package snapshot

import (
	"time"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
)

// Strip removes every snapshot message from hist, preserving the
// relative order of everything else. Calling Strip on an
// already-stripped history is a no-op: Strip(Strip(h)) == Strip(h).
func Strip(hist chatmodel.ChatHistory) chatmodel.ChatHistory {
	out := make(chatmodel.ChatHistory, 0, len(hist))
	for _, m := range hist {
		if chatmodel.IsSnapshot(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Inject strips hist of any existing snapshot and, if at least one
// patient is known this turn (either an active patient or a non-empty
// roster), prepends exactly one freshly built snapshot at index 0. With
// no known patient, Inject is equivalent to Strip: there is nothing
// meaningful to ground.
func Inject(conversationID string, activePatientID chatmodel.PatientID, allPatientIDs []chatmodel.PatientID, hist chatmodel.ChatHistory, now time.Time) chatmodel.ChatHistory {
	stripped := Strip(hist)

	if activePatientID == "" && len(allPatientIDs) == 0 {
		return stripped
	}

	snap := chatmodel.BuildSnapshotMessage(conversationID, activePatientID, allPatientIDs, now)
	out := make(chatmodel.ChatHistory, 0, len(stripped)+1)
	out = append(out, snap)
	out = append(out, stripped...)
	return out
}
