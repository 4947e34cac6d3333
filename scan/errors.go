package scan

import (
	"errors"

	"shieldscan/enumerate"
	"shieldscan/reputation"
)

// Error taxonomy for the pipeline. Per-file errors are recorded as results
// and never escalate; only persistence errors fail the session.
var (
	ErrAccessDenied          = enumerate.ErrAccessDenied
	ErrPolicyRejected        = errors.New("rejected by scan policy")
	ErrReputationUnavailable = reputation.ErrUnavailable
	ErrPersistence           = errors.New("persistence failure")
)

// Result status values recorded per file.
const (
	StatusProcessed     = "processed"
	StatusSkippedPolicy = "skipped_policy"
	StatusError         = "error"
	StatusCancelled     = "cancelled"
)

// Session status values.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
	SessionFailed    = "failed"
)
