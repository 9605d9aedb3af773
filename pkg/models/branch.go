package models

// BranchSpec names one independent branch of a parallel fan-out and the
// workflow it runs. Each branch gets its own instance and workspace.
type BranchSpec struct {
	Name string        `json:"name" validate:"required,min=1"`
	Spec *WorkflowSpec `json:"spec" validate:"required"`
}

// BranchResult is one entry of a coordinator join. Partial success is the
// expected shape: callers always receive one result per branch, never a
// collapsed aggregate verdict.
type BranchResult struct {
	Branch     string         `json:"branch"`
	InstanceID string         `json:"instance_id"`
	Status     InstanceStatus `json:"status"`
	Usage      UsageTotals    `json:"usage"`
	Error      string         `json:"error,omitempty"`
}

// Succeeded reports whether the branch reached Completed.
func (r *BranchResult) Succeeded() bool {
	return r.Status == InstanceStatusCompleted
}
