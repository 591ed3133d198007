package policy

import (
	_ "embed"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Built-in policy, used when no policy file is configured. Each call returns a fresh copy.
func DefaultPolicy() *Policy {
	p, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic("built-in policy is invalid: " + err.Error())
	}
	return p
}
