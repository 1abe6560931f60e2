package types

// UpdateStepStatus is the outcome of one rolling-update step
type UpdateStepStatus string

const (
	UpdateStepPlanned    UpdateStepStatus = "planned"
	UpdateStepDone       UpdateStepStatus = "done"
	UpdateStepFailed     UpdateStepStatus = "failed"
	UpdateStepRolledBack UpdateStepStatus = "rolled_back"
)

// UpdateStep is one node's place in a rolling-update plan
type UpdateStep struct {
	NodeID string           `json:"node_id"`
	Leader bool             `json:"leader"`
	Status UpdateStepStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// UpdateReport is a rolling-update plan and its progress
type UpdateReport struct {
	Version  string       `json:"version"`
	Checksum string       `json:"checksum"`
	DryRun   bool         `json:"dry_run"`
	Steps    []UpdateStep `json:"steps"`

	// RolledBack lists the nodes restored to the prior binary after a
	// failed activation.
	RolledBack []string `json:"rolled_back,omitempty"`
}
