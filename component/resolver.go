package component

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// ResolveVersion returns the highest version in available that satisfies
// constraint. "latest" and "" match any version.
func ResolveVersion(constraint string, available []string) (string, error) {
	if constraint == "" || constraint == "latest" {
		constraint = ">= 0"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	var valid []*semver.Version
	for _, s := range available {
		v, err := semver.NewVersion(s)
		if err != nil {
			continue
		}
		if c.Check(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return "", fmt.Errorf("no version satisfies constraint %q", constraint)
	}

	sort.Sort(semver.Collection(valid))
	return valid[len(valid)-1].Original(), nil
}
