package execution

import "time"

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusPlanned   ActionStatus = "planned"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeWithdraw      StepType = "withdraw"
	StepTypeBridgeBurn    StepType = "bridge_burn"
	StepTypeBridgeMessage StepType = "bridge_message"
	StepTypeApproval      StepType = "approval"
	StepTypeSupply        StepType = "supply"
)

type ActionStep struct {
	StepID      string     `json:"step_id"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Chain       string     `json:"chain"`
	ChainID     int64      `json:"chain_id"`
	Description string     `json:"description,omitempty"`
	Target      string     `json:"target"`
	Data        string     `json:"data"`
	Value       string     `json:"value"`
	TxHash      string     `json:"tx_hash,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   string     `json:"started_at,omitempty"`
	FinishedAt  string     `json:"finished_at,omitempty"`
}

// Action is the journaled record of one rebalance run. State mirrors the
// orchestrator state machine; Status is the coarse lifecycle used for
// filtering.
type Action struct {
	ActionID    string         `json:"action_id"`
	IntentType  string         `json:"intent_type"`
	Status      ActionStatus   `json:"status"`
	State       string         `json:"state"`
	SourceChain string         `json:"source_chain"`
	TargetChain string         `json:"target_chain"`
	Token       string         `json:"token,omitempty"`
	Amount      string         `json:"amount,omitempty"`
	FromAddress string         `json:"from_address,omitempty"`
	DryRun      bool           `json:"dry_run"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	Steps       []ActionStep   `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewAction(actionID, intentType, sourceChain, targetChain string) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:    actionID,
		IntentType:  intentType,
		Status:      ActionStatusPlanned,
		SourceChain: sourceChain,
		TargetChain: targetChain,
		CreatedAt:   now,
		UpdatedAt:   now,
		Steps:       []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// LastStep returns the most recently appended step, nil when there is none.
func (a *Action) LastStep() *ActionStep {
	if len(a.Steps) == 0 {
		return nil
	}
	return &a.Steps[len(a.Steps)-1]
}
