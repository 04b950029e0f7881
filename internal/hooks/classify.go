package hooks

import "github.com/oaklabs/oakd/internal/activity"

// Batch classifications.
const (
	ClassImplementation = "implementation"
	ClassExploration    = "exploration"
	ClassPlan           = "plan"
	ClassDebugging      = "debugging"
	ClassOther          = "other"
)

// classifyThreshold is the minimum tool count before a distribution
// dominates.
const classifyThreshold = 3

// Classify buckets a prompt batch by its tool distribution. A plan
// payload wins outright; otherwise edits imply implementation, reads
// without edits imply exploration, and a failure-heavy mix of reads and
// edits implies debugging.
func Classify(batch *activity.PromptBatch, acts []activity.Activity) string {
	if batch.SourceType == activity.SourcePlan ||
		(batch.PlanContent != nil && *batch.PlanContent != "") {
		return ClassPlan
	}

	edits, reads, failures := 0, 0, 0
	for _, a := range acts {
		switch a.ToolName {
		case "Edit", "Write", "MultiEdit", "NotebookEdit":
			edits++
		case "Read", "Grep", "Glob":
			reads++
		}
		if !a.Success {
			failures++
		}
	}

	switch {
	case failures >= classifyThreshold && reads+edits > 0:
		return ClassDebugging
	case edits >= classifyThreshold:
		return ClassImplementation
	case reads >= classifyThreshold && edits == 0:
		return ClassExploration
	default:
		return ClassOther
	}
}
