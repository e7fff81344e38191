package policy

import "time"

// Severity is the blocking level of a violation.
type Severity string

const (
	// SeverityInfo is informational and never blocks a release.
	SeverityInfo Severity = "info"

	// SeverityWarning should be reviewed but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the release.
	SeverityError Severity = "error"
)

// Policy is one Rego rule set evaluated against a pending release.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the denial.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one
// pending release.
type Result struct {
	// Allowed is true when no error-severity violation was produced.
	Allowed bool `json:"allowed"`

	// Violations lists every denial, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies whose evaluation itself failed. A broken
	// policy does not block the release.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Allowances relaxes the builtin rules for one run. Values come from the
// policy plugin's cfg subtree.
type Allowances struct {
	// Major permits a major version bump.
	Major bool `json:"major"`

	// Prerelease permits releasing a version with a pre-release suffix.
	Prerelease bool `json:"prerelease"`
}

// Input is the document policies evaluate. Field names are the contract
// with the Rego side.
type Input struct {
	// NextVersion is the version about to be released.
	NextVersion string `json:"next_version"`

	// Bump is the reconciled bump kind: patch, minor, or major.
	Bump string `json:"bump"`

	// FilesChanged lists the files the prepare step rewrote.
	FilesChanged []string `json:"files_changed,omitempty"`

	// DryRun is true when no side effects will be committed.
	DryRun bool `json:"dry_run"`

	// Allow carries the configured allowances.
	Allow Allowances `json:"allow"`
}

// BlockingViolations filters the result down to the violations that deny
// the release.
func (r *Result) BlockingViolations() []Violation {
	var blocking []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			blocking = append(blocking, v)
		}
	}
	return blocking
}
