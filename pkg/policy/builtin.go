package policy

// BuiltinPolicies returns the policies compiled into the engine. They run
// on every evaluation unless disabled; user-supplied Rego files are loaded
// on top of them.
func BuiltinPolicies() []Policy {
	return []Policy{
		prereleasePolicy(),
		majorBumpPolicy(),
	}
}

// prereleasePolicy blocks releasing a pre-release version unless the run
// explicitly allows it.
func prereleasePolicy() Policy {
	return Policy{
		Name:        "no-prerelease",
		Description: "Blocks versions with a pre-release suffix unless allow.prerelease is set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"versioning"},
		Rego: `package releasekit.policies.prerelease

import rego.v1

deny contains violation if {
	contains(input.next_version, "-")
	not input.allow.prerelease
	violation := {
		"message": sprintf("version %s is a pre-release and allow.prerelease is not set", [input.next_version]),
		"severity": "error",
	}
}
`,
	}
}

// majorBumpPolicy blocks major version bumps unless the run explicitly
// allows them.
func majorBumpPolicy() Policy {
	return Policy{
		Name:        "no-unapproved-major",
		Description: "Blocks major version bumps unless allow.major is set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"versioning"},
		Rego: `package releasekit.policies.major

import rego.v1

deny contains violation if {
	input.bump == "major"
	not input.allow.major
	violation := {
		"message": sprintf("bump to %s is a major release and allow.major is not set", [input.next_version]),
		"severity": "error",
	}
}
`,
	}
}
