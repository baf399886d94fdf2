// Package handlers implements the HTTP intake and admin endpoints of the
// pipeline.
//
// Every error response carries one of the codes below inside an
// ErrorResponse envelope:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "conflict",
//	  "message": "request is already queued"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Pipeline specific:
	ErrCodeUnknownEntity  = "unknown_entity_type"
	ErrCodeUnknownOp      = "unknown_operation"
	ErrCodeEnqueueFailed  = "enqueue_failed"
	ErrCodeRedriveFailed  = "redrive_failed"
	ErrCodeStatusFailed   = "status_failed"
	ErrCodeListFailed     = "list_failed"
	ErrCodeUnsupportedVer = "unsupported_version"
)
