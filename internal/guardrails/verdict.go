package guardrails

// Action classifies the outcome of a detector or the engine.
type Action string

const (
	// ActionAllowed means the text passed untouched.
	ActionAllowed Action = "allowed"
	// ActionRedacted means the text passed with substitutions applied.
	ActionRedacted Action = "redacted"
	// ActionBlocked means the text must not proceed downstream.
	ActionBlocked Action = "blocked"
	// ActionShadowBlock means a block was suppressed by shadow mode but
	// recorded as if it happened.
	ActionShadowBlock Action = "shadow_block"
	// ActionNone means the detector had nothing to say.
	ActionNone Action = "none"
)

// Verdict is the outcome of one detector or of the whole engine.
//
// Invariants:
//   - Action == ActionBlocked implies Valid == false.
//   - Action == ActionShadowBlock implies Valid == true and Reason != "".
//   - Action == ActionRedacted implies Valid == true and SanitizedText differs
//     from the input.
//   - Action == ActionAllowed or ActionNone implies SanitizedText == input.
type Verdict struct {
	Valid         bool                   `json:"valid"`
	Action        Action                 `json:"action"`
	SanitizedText string                 `json:"sanitized_text"`
	Reason        string                 `json:"reason,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// pass is the zero-cost "nothing found" verdict.
func pass(text string) Verdict {
	return Verdict{Valid: true, Action: ActionNone, SanitizedText: text}
}

// Source tags which side of the conversation is being validated. Detectors
// that only make sense on user input (injection, semantic intent) are
// skipped when the source is output.
type Source string

const (
	SourceInput  Source = "input"
	SourceOutput Source = "output"
)
