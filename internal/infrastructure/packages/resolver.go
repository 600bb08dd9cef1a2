// Package packages resolves release packages from a directory tree:
//
//	<root>/<name>/<version>/manifest.yaml   manifest template
//	<root>/<name>/<version>/values.yaml     optional default values
//
// The template is rendered by substituting ${key} and ${key:-default}
// references with configuration overrides, falling back to the package
// values.
package packages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/skipper-release/skipper/internal/domain"
)

const (
	manifestFile = "manifest.yaml"
	valuesFile   = "values.yaml"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)}`)

// FileResolver implements [domain.PackageResolver] over a package
// directory. An empty package version selects the highest version found.
type FileResolver struct {
	Root string
}

func (r *FileResolver) Resolve(_ context.Context, ref domain.PackageRef, config map[string]string) (string, error) {
	if ref.Name == "" || !pathElement(ref.Name) {
		return "", fmt.Errorf("%w: package name %q", domain.ErrInvalidArgument, ref.Name)
	}
	if ref.Version != "" && !pathElement(ref.Version) {
		return "", fmt.Errorf("%w: package version %q", domain.ErrInvalidArgument, ref.Version)
	}

	version := ref.Version
	if version == "" {
		latest, err := r.latestVersion(ref.Name)
		if err != nil {
			return "", err
		}
		version = latest
	}
	dir := filepath.Join(r.Root, ref.Name, version)

	tmpl, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("package %s@%s: %w", ref.Name, version, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read package manifest: %w", err)
	}

	values, err := readValues(filepath.Join(dir, valuesFile))
	if err != nil {
		return "", fmt.Errorf("package %s@%s: %w", ref.Name, version, err)
	}
	for k, v := range config {
		values[k] = v
	}
	return Substitute(string(tmpl), values)
}

// pathElement reports whether s names a single entry below its parent
// directory.
func pathElement(s string) bool {
	return !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

// Versions lists the versions of a package, lowest first.
func (r *FileResolver) Versions(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.Root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("package %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("list package versions: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return versions, nil
}

func (r *FileResolver) latestVersion(name string) (string, error) {
	versions, err := r.Versions(name)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("package %s has no versions: %w", name, domain.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

func readValues(path string) (map[string]string, error) {
	values := make(map[string]string)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse values: %v", domain.ErrInvalidArgument, err)
	}
	flattenValues("", raw, values)
	return values, nil
}

func flattenValues(prefix string, raw map[string]any, out map[string]string) {
	for k, v := range raw {
		key := prefix + k
		if nested, ok := v.(map[string]any); ok {
			flattenValues(key+".", nested, out)
			continue
		}
		if v == nil {
			out[key] = ""
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}

// Substitute replaces ${key} and ${key:-default} references in input.
// A reference to a key without a value and without a default is an
// error, so a release never silently renders an empty setting.
func Substitute(input string, values map[string]string) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(input, func(ref string) string {
		expr := ref[2 : len(ref)-1]
		name, def, hasDefault := strings.Cut(expr, ":-")
		name = strings.TrimSpace(name)
		if v, ok := values[name]; ok && (v != "" || !hasDefault) {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: no value for %s", domain.ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return out, nil
}

// compareVersions orders dotted versions by numeric segments, falling
// back to string order for non-numeric segments.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aErr := strconv.Atoi(as[i])
		bi, bErr := strconv.Atoi(bs[i])
		switch {
		case aErr == nil && bErr == nil:
			if ai != bi {
				return ai - bi
			}
		case as[i] != bs[i]:
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}
