package domain

import "context"

// Property is one key/value pair of an ordered property list.
type Property struct {
	Key   string
	Value string
}

// Properties is an ordered list of properties with unique keys.
type Properties []Property

// Get returns the value for key and whether it was present.
func (p Properties) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Map returns the properties as a map. Order is lost.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// Equal reports whether p and o hold the same key/value pairs. Ordering
// is not significant.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	m := p.Map()
	for _, kv := range o {
		v, ok := m[kv.Key]
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// ApplicationSpec is one application declared in a release manifest.
// Identity for diffing is Name.
type ApplicationSpec struct {
	Name                  string
	Resource              string
	Version               string
	ApplicationProperties Properties
	DeploymentProperties  Properties
}

// SameDeployment reports whether deploying o would produce the same
// deployment as s.
func (s ApplicationSpec) SameDeployment(o ApplicationSpec) bool {
	return s.Name == o.Name &&
		s.Resource == o.Resource &&
		s.Version == o.Version &&
		s.ApplicationProperties.Equal(o.ApplicationProperties) &&
		s.DeploymentProperties.Equal(o.DeploymentProperties)
}

// ManifestReader parses release manifest text into the ordered list of
// application specs it declares.
type ManifestReader interface {
	Read(manifest string) ([]ApplicationSpec, error)
}

// PackageResolver renders the manifest of a package with the given
// configuration overrides. Package storage and rendering live outside
// the release lifecycle.
type PackageResolver interface {
	Resolve(ctx context.Context, ref PackageRef, config map[string]string) (string, error)
}
