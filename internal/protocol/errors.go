package protocol

import "taskcollab/api/internal/operation"

// Error codes returned in the "code" member of an error body.
const (
	CodeInvalidBody       = "INVALID_BODY"
	CodeInvalidRange      = "INVALID_RANGE"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeLockConflict      = "LOCK_CONFLICT"
	CodeNotLockHolder     = "NOT_LOCK_HOLDER"
	CodeOverlapConflict   = "OVERLAP_CONFLICT"
	CodeStaleFieldVersion = "STALE_FIELD_VERSION"
	CodeNotEditing        = "NOT_EDITING"
	CodeOwnedElsewhere    = "OWNED_ELSEWHERE"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeServerError       = "SERVER_ERROR"
)

// ErrorDetails is the "details" member of conflict and validation errors.
type ErrorDetails struct {
	Field          operation.Field `json:"field,omitempty"`
	Holder         string          `json:"holder,omitempty"`
	Node           string          `json:"node,omitempty"`
	ConflictingOp  string          `json:"conflictingOp,omitempty"`
	BaseVersion    uint64          `json:"baseVersion,omitempty"`
	CurrentVersion uint64          `json:"currentVersion,omitempty"`
	Start          int             `json:"start,omitempty"`
	Length         int             `json:"length,omitempty"`
	FieldLength    int             `json:"fieldLength,omitempty"`
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"error"`
	Details ErrorDetails `json:"details"`
}
