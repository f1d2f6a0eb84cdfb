package txcache

import (
	"github.com/gofhir/txcache/service"
)

// IssueSeverity represents the severity of an issue.
// Maps to OperationOutcome.issue.severity in FHIR.
type IssueSeverity string

const (
	SeverityFatal       IssueSeverity = "fatal"
	SeverityError       IssueSeverity = "error"
	SeverityWarning     IssueSeverity = "warning"
	SeverityInformation IssueSeverity = "information"
)

// IssueType represents the type of an issue.
// Maps to OperationOutcome.issue.code in FHIR.
type IssueType string

const (
	IssueTypeInvalid       IssueType = "invalid"
	IssueTypeRequired      IssueType = "required"
	IssueTypeProcessing    IssueType = "processing"
	IssueTypeNotFound      IssueType = "not-found"
	IssueTypeCodeInvalid   IssueType = "code-invalid"
	IssueTypeNotSupported  IssueType = "not-supported"
	IssueTypeTransient     IssueType = "transient"
	IssueTypeInformational IssueType = "informational"
)

// Issue maps to OperationOutcome.issue.
type Issue struct {
	Severity    IssueSeverity `json:"severity"`
	Code        IssueType     `json:"code"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Expression  []string      `json:"expression,omitempty"`
}

// IsError returns true if this is an error or fatal issue.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// String returns a human-readable representation of the issue.
func (i Issue) String() string {
	path := ""
	if len(i.Expression) > 0 {
		path = " at " + i.Expression[0]
	}
	return string(i.Severity) + ": " + i.Diagnostics + path
}

// OperationOutcome is the FHIR resource carrying issues.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// NewOperationOutcome creates an outcome holding the given issues.
func NewOperationOutcome(issues ...Issue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}

// HasErrors reports whether any issue is an error.
func (o *OperationOutcome) HasErrors() bool {
	for _, i := range o.Issue {
		if i.IsError() {
			return true
		}
	}
	return false
}

// IssueBuilder provides a fluent API for building issues.
type IssueBuilder struct {
	issue Issue
}

// NewIssue creates a new IssueBuilder.
func NewIssue(severity IssueSeverity, code IssueType) *IssueBuilder {
	return &IssueBuilder{issue: Issue{Severity: severity, Code: code}}
}

// Error creates an error issue.
func Error(code IssueType) *IssueBuilder {
	return NewIssue(SeverityError, code)
}

// Warning creates a warning issue.
func Warning(code IssueType) *IssueBuilder {
	return NewIssue(SeverityWarning, code)
}

// Diagnostics sets the diagnostic message.
func (b *IssueBuilder) Diagnostics(msg string) *IssueBuilder {
	b.issue.Diagnostics = msg
	return b
}

// At sets the expression path.
func (b *IssueBuilder) At(path string) *IssueBuilder {
	b.issue.Expression = []string{path}
	return b
}

// Build returns the constructed issue.
func (b *IssueBuilder) Build() Issue {
	return b.issue
}

// IssueFromValidation converts a code validation result. A nil result
// becomes an informational "not-supported" issue; an OK result yields
// ok == false because there is nothing to report.
func IssueFromValidation(r *service.CodeValidationResult, path string) (issue Issue, ok bool) {
	var b *IssueBuilder
	switch {
	case r == nil:
		b = NewIssue(SeverityInformation, IssueTypeNotSupported).Diagnostics("No terminology provider could validate the code")
	case r.Severity == service.SeverityError:
		b = Error(IssueTypeCodeInvalid).Diagnostics(r.Message)
	case r.Severity == service.SeverityWarning:
		b = Warning(IssueTypeCodeInvalid).Diagnostics(r.Message)
	default:
		return Issue{}, false
	}
	if path != "" {
		b.At(path)
	}
	return b.Build(), true
}
