package auth

import (
	"fmt"
	"sort"
)

// Permissions checked by the API.
const (
	PermProjectRead      = "project.read"
	PermProjectWrite     = "project.write"
	PermPipelineRun      = "pipeline.run"
	PermPipelineCancel   = "pipeline.cancel"
	PermExceptionResolve = "exception.resolve"
	PermRolloutUpdate    = "rollout.update"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves role grants from the rbac section of addie.yml.
type Service struct {
	Roles map[string][]string
}

// Permissions returns the union of explicit grants and the grants of roles,
// sorted and without duplicates. Unknown roles grant nothing.
func (s Service) Permissions(roles, explicit []string) []string {
	set := map[string]struct{}{}
	for _, p := range explicit {
		set[p] = struct{}{}
	}
	for _, role := range roles {
		for _, p := range s.Roles[role] {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s Service) Has(roles, explicit []string, perm string) bool {
	for _, p := range s.Permissions(roles, explicit) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless perm is granted.
func (s Service) Require(roles, explicit []string, perm string) error {
	if s.Has(roles, explicit, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
