// Package manifestyaml reads release manifests: multi-document YAML with
// one application per document.
//
//	apiVersion: skipper.spring.io/v1
//	kind: SpringCloudDeployerApplication
//	metadata:
//	  name: log-sink
//	spec:
//	  resource: docker:springcloud/log-sink-rabbit:3.2.1
//	  version: 3.2.1
//	  applicationProperties:
//	    log.level: DEBUG
//	  deploymentProperties:
//	    count: 2
//
// Nested property maps are flattened into dotted keys; declaration order
// is kept.
package manifestyaml

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/skipper-release/skipper/internal/domain"
)

// Kinds accepted by [Reader].
const (
	KindDeployerApplication = "SpringCloudDeployerApplication"
	KindApplication         = "Application"
)

type document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		Resource              string        `yaml:"resource"`
		Version               string        `yaml:"version"`
		ApplicationProperties yaml.MapSlice `yaml:"applicationProperties"`
		DeploymentProperties  yaml.MapSlice `yaml:"deploymentProperties"`
	} `yaml:"spec"`
}

func (d document) empty() bool {
	return d.APIVersion == "" && d.Kind == "" && d.Metadata.Name == "" && d.Spec.Resource == ""
}

// Reader implements [domain.ManifestReader].
type Reader struct{}

func (Reader) Read(manifest string) ([]domain.ApplicationSpec, error) {
	dec := yaml.NewDecoder(strings.NewReader(manifest), yaml.UseOrderedMap())

	var specs []domain.ApplicationSpec
	for i := 0; ; i++ {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: manifest document %d: %v", domain.ErrInvalidArgument, i, err)
		}
		if doc.empty() {
			continue
		}
		spec, err := toSpec(doc)
		if err != nil {
			return nil, fmt.Errorf("manifest document %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func toSpec(doc document) (domain.ApplicationSpec, error) {
	if doc.Kind != KindDeployerApplication && doc.Kind != KindApplication {
		return domain.ApplicationSpec{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, doc.Kind)
	}
	if doc.Metadata.Name == "" {
		return domain.ApplicationSpec{}, fmt.Errorf("%w: metadata.name is required", domain.ErrInvalidArgument)
	}
	if doc.Spec.Resource == "" {
		return domain.ApplicationSpec{}, fmt.Errorf("%w: application %q: spec.resource is required", domain.ErrInvalidArgument, doc.Metadata.Name)
	}
	appProps, err := flatten(doc.Spec.ApplicationProperties)
	if err != nil {
		return domain.ApplicationSpec{}, fmt.Errorf("application %q: applicationProperties: %w", doc.Metadata.Name, err)
	}
	deployProps, err := flatten(doc.Spec.DeploymentProperties)
	if err != nil {
		return domain.ApplicationSpec{}, fmt.Errorf("application %q: deploymentProperties: %w", doc.Metadata.Name, err)
	}
	return domain.ApplicationSpec{
		Name:                  doc.Metadata.Name,
		Resource:              doc.Spec.Resource,
		Version:               doc.Spec.Version,
		ApplicationProperties: appProps,
		DeploymentProperties:  deployProps,
	}, nil
}

func flatten(m yaml.MapSlice) (domain.Properties, error) {
	var out domain.Properties
	seen := make(map[string]bool)
	var walk func(prefix string, m yaml.MapSlice) error
	walk = func(prefix string, m yaml.MapSlice) error {
		for _, item := range m {
			key := prefix + fmt.Sprint(item.Key)
			if nested, ok := item.Value.(yaml.MapSlice); ok {
				if err := walk(key+".", nested); err != nil {
					return err
				}
				continue
			}
			if seen[key] {
				return fmt.Errorf("%w: duplicate property %q", domain.ErrInvalidArgument, key)
			}
			seen[key] = true
			out = append(out, domain.Property{Key: key, Value: scalar(item.Value)})
		}
		return nil
	}
	if err := walk("", m); err != nil {
		return nil, err
	}
	return out, nil
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = scalar(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
