package packages_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipper-release/skipper/internal/domain"
	"github.com/skipper-release/skipper/internal/infrastructure/packages"
)

const logTemplate = `kind: Application
metadata:
  name: log-sink
spec:
  resource: exec:/usr/local/bin/log-sink
  version: "${version}"
  applicationProperties:
    log.level: ${log.level:-INFO}
    log.expression: ${expression}
`

func writePackage(t *testing.T, root, name, version, manifest, values string) {
	t.Helper()
	dir := filepath.Join(root, name, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	if values != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "values.yaml"), []byte(values), 0o644))
	}
}

func TestFileResolver_RendersWithValuesAndOverrides(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "log", "1.0.0", logTemplate, "version: 1.0.0\nexpression: payload\n")
	r := &packages.FileResolver{Root: root}

	out, err := r.Resolve(context.Background(), domain.PackageRef{Name: "log", Version: "1.0.0"},
		map[string]string{"log.level": "DEBUG"})
	require.NoError(t, err)
	assert.Contains(t, out, `version: "1.0.0"`)
	assert.Contains(t, out, "log.level: DEBUG")
	assert.Contains(t, out, "log.expression: payload")
}

func TestFileResolver_DefaultApplies(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "log", "1.0.0", logTemplate, "version: 1.0.0\nexpression: payload\n")
	r := &packages.FileResolver{Root: root}

	out, err := r.Resolve(context.Background(), domain.PackageRef{Name: "log", Version: "1.0.0"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "log.level: INFO")
}

func TestFileResolver_MissingValue(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "log", "1.0.0", logTemplate, "")
	r := &packages.FileResolver{Root: root}

	_, err := r.Resolve(context.Background(), domain.PackageRef{Name: "log", Version: "1.0.0"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFileResolver_LatestVersion(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "log", "1.9.0", "v: old\n", "")
	writePackage(t, root, "log", "1.10.0", "v: new\n", "")
	r := &packages.FileResolver{Root: root}

	versions, err := r.Versions("log")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.9.0", "1.10.0"}, versions)

	out, err := r.Resolve(context.Background(), domain.PackageRef{Name: "log"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v: new\n", out)
}

func TestFileResolver_NotFound(t *testing.T) {
	r := &packages.FileResolver{Root: t.TempDir()}

	_, err := r.Resolve(context.Background(), domain.PackageRef{Name: "log", Version: "1.0.0"}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Resolve(context.Background(), domain.PackageRef{Name: "log"}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileResolver_RejectsPathNames(t *testing.T) {
	root := t.TempDir()
	// A manifest one level above the package would be reachable through "..".
	writePackage(t, root, "log", "..", logTemplate, "")
	r := &packages.FileResolver{Root: root}

	for _, ref := range []domain.PackageRef{
		{Name: "../etc", Version: "1"},
		{Name: "..", Version: "1"},
		{Name: "log", Version: ".."},
		{Name: "log", Version: "."},
		{Name: "log", Version: "1.0.0/../.."},
	} {
		_, err := r.Resolve(context.Background(), ref, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, ref.String())
	}
}

func TestSubstitute(t *testing.T) {
	out, err := packages.Substitute("a=${a} b=${b:-two} c=${c:-}", map[string]string{"a": "one"})
	require.NoError(t, err)
	assert.Equal(t, "a=one b=two c=", out)
}
