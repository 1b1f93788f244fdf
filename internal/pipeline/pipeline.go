// Package pipeline declares the external collaborators the stage workers
// delegate to. The actual validation rules, transformation engine and
// importer live outside this repository; the workers only depend on these
// interfaces.
//
// Every contract is tri-state: success, business failure with a reason
// (returned in the result), or unexpected error (returned as the error).
// Workers treat the last two differently only in logging; both terminalize
// the file entry as rejected.
package pipeline

import "context"

// ValidationResult reports what the validator/transformer did with a file.
type ValidationResult struct {
	// OK is true when the file passed validation and its transformed output
	// was staged for import.
	OK bool
	// JobID identifies the staged output; set only when OK.
	JobID string
	// Reason carries the human-readable business failure when !OK.
	Reason string
}

// Validator validates a spreadsheet and stages its transformed output.
type Validator interface {
	ValidateTransform(ctx context.Context, content, template []byte, retryCount int) (*ValidationResult, error)
}

// ImportResult reports what the importer did with a staged job.
type ImportResult struct {
	OK     bool
	Reason string
}

// Importer publishes previously staged output identified by job id.
type Importer interface {
	Import(ctx context.Context, jobID string) (*ImportResult, error)
}
