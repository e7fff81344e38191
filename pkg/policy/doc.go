// Package policy evaluates Open Policy Agent rules against a pending
// release before anything irreversible happens.
//
// The engine always carries two builtin policies: one that blocks
// pre-release versions and one that blocks major bumps, both of which can
// be relaxed through the allow_prerelease and allow_major keys of the
// policy plugin's cfg subtree.
// User policies are plain .rego files (or .json documents with metadata)
// loaded from configured paths; they stack on top of the builtins and may
// replace them by name.
//
// Every policy contributes a deny set. The input document carries the
// next version, the reconciled bump kind, the list of changed files, and
// the dry-run flag. Any error-severity denial turns the evaluation into a
// refusal; a policy that fails to evaluate produces a warning instead so
// a broken rule file cannot silently approve a release.
package policy
