package domain

import "fmt"

// ApplicationDifference is an application present in both manifests
// whose deployment changed.
type ApplicationDifference struct {
	Name   string
	Before ApplicationSpec
	After  ApplicationSpec
}

// ReleaseDifference represents the difference between the applications
// of an existing and a replacing manifest.
type ReleaseDifference struct {
	Added     []string
	Changed   []ApplicationDifference
	Removed   []string
	Unchanged []string
}

// Empty reports whether the manifests deploy the same applications.
func (d ReleaseDifference) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// ReleaseAnalysisReport is the outcome of comparing two releases. It is
// produced and consumed by a single upgrade and never persisted.
type ReleaseAnalysisReport struct {
	Existing  Release
	Replacing Release

	// ApplicationNamesToUpgrade lists added and changed applications in
	// the replacing manifest's declaration order.
	ApplicationNamesToUpgrade []string
	Difference                ReleaseDifference

	ExistingSpecs  []ApplicationSpec
	ReplacingSpecs []ApplicationSpec
}

// ReplacingSpec returns the replacing manifest's spec for name.
func (r ReleaseAnalysisReport) ReplacingSpec(name string) (ApplicationSpec, bool) {
	for _, s := range r.ReplacingSpecs {
		if s.Name == name {
			return s, true
		}
	}
	return ApplicationSpec{}, false
}

// Analyze compares two parsed manifests by application name. Added and
// changed names follow replacing's order; removed names follow
// existing's order. Unchanged applications are reported but never
// scheduled for redeploy.
func Analyze(existing, replacing []ApplicationSpec) ReleaseDifference {
	index := make(map[string]ApplicationSpec, len(existing))
	for _, s := range existing {
		index[s.Name] = s
	}

	var diff ReleaseDifference
	seen := make(map[string]bool, len(replacing))
	for _, s := range replacing {
		seen[s.Name] = true
		before, ok := index[s.Name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, s.Name)
		case !before.SameDeployment(s):
			diff.Changed = append(diff.Changed, ApplicationDifference{Name: s.Name, Before: before, After: s})
		default:
			diff.Unchanged = append(diff.Unchanged, s.Name)
		}
	}
	for _, s := range existing {
		if !seen[s.Name] {
			diff.Removed = append(diff.Removed, s.Name)
		}
	}
	return diff
}

// NewReport builds the analysis report for replacing existing with
// replacing.
func NewReport(existing, replacing Release, existingSpecs, replacingSpecs []ApplicationSpec) ReleaseAnalysisReport {
	diff := Analyze(existingSpecs, replacingSpecs)

	upgrade := make(map[string]bool, len(diff.Added)+len(diff.Changed))
	for _, name := range diff.Added {
		upgrade[name] = true
	}
	for _, c := range diff.Changed {
		upgrade[c.Name] = true
	}
	var names []string
	for _, s := range replacingSpecs {
		if upgrade[s.Name] {
			names = append(names, s.Name)
		}
	}

	return ReleaseAnalysisReport{
		Existing:                  existing,
		Replacing:                 replacing,
		ApplicationNamesToUpgrade: names,
		Difference:                diff,
		ExistingSpecs:             existingSpecs,
		ReplacingSpecs:            replacingSpecs,
	}
}

func validateSpecs(specs []ApplicationSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("%w: application without a name", ErrInvalidArgument)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: application %q declared twice", ErrInvalidArgument, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
