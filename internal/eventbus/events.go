package eventbus

// Event types published by the trigger controller and the action engine.
// Subscribers should treat unknown types as forward-compatible noise.
const (
	// Trigger lifecycle.
	TriggerScheduled = "trigger.scheduled"
	TriggerFired     = "trigger.fired"
	TriggerReset     = "trigger.reset"
	TriggerCleared   = "trigger.cleared"

	// Action run lifecycle.
	ActionStarted  = "action.started"
	ActionFinished = "action.finished"
	ActionFailed   = "action.failed"
	ActionSkipped  = "action.skipped"
	ActionDropped  = "action.dropped"
)
