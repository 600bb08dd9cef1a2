package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skipper-release/skipper/internal/domain"
)

var testNow = time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

// testRunner runs activities inline on the test context.
type testRunner struct{ ctx context.Context }

func (r testRunner) ID() string               { return "test" }
func (r testRunner) Context() context.Context { return r.ctx }
func (r testRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	return activity.Run(r.ctx, in)
}

// lineManifests reads one application per line:
//
//	<name> <resource> <version> [a:key=value] [d:key=value]
//
// A line "kind <other>" is rejected as an unsupported kind.
type lineManifests struct{}

func (lineManifests) Read(manifest string) ([]domain.ApplicationSpec, error) {
	var specs []domain.ApplicationSpec
	for _, line := range strings.Split(manifest, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "kind" {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, strings.Join(fields[1:], " "))
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		spec := domain.ApplicationSpec{Name: fields[0], Resource: fields[1], Version: fields[2]}
		for _, f := range fields[3:] {
			scope, kv, _ := strings.Cut(f, ":")
			k, v, _ := strings.Cut(kv, "=")
			p := domain.Property{Key: k, Value: v}
			if scope == "d" {
				spec.DeploymentProperties = append(spec.DeploymentProperties, p)
			} else {
				spec.ApplicationProperties = append(spec.ApplicationProperties, p)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// fakeDeployer is an in-memory platform that records every call.
type fakeDeployer struct {
	mu    sync.Mutex
	next  int
	live  map[domain.DeploymentID]string
	calls []string

	failDeploy   map[string]bool
	failUndeploy map[domain.DeploymentID]int
	states       map[domain.DeploymentID][]domain.DeploymentState
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		live:         make(map[domain.DeploymentID]string),
		failDeploy:   make(map[string]bool),
		failUndeploy: make(map[domain.DeploymentID]int),
		states:       make(map[domain.DeploymentID][]domain.DeploymentState),
	}
}

func (d *fakeDeployer) Deploy(_ context.Context, req domain.DeployRequest) (domain.DeploymentID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "deploy "+req.Spec.Name)
	if d.failDeploy[req.Spec.Name] {
		return "", errors.New("platform refused " + req.Spec.Name)
	}
	d.next++
	id := domain.DeploymentID(fmt.Sprintf("dep-%d", d.next))
	d.live[id] = req.Spec.Name
	return id, nil
}

func (d *fakeDeployer) Undeploy(_ context.Context, id domain.DeploymentID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "undeploy "+string(id))
	if n := d.failUndeploy[id]; n > 0 {
		d.failUndeploy[id] = n - 1
		return errors.New("platform busy")
	}
	delete(d.live, id)
	return nil
}

func (d *fakeDeployer) Status(_ context.Context, id domain.DeploymentID) (domain.AppStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[id]; !ok {
		return domain.AppStatus{DeploymentID: id, State: domain.DeploymentStateUnknown}, nil
	}
	state := domain.DeploymentStateDeployed
	if seq := d.states[id]; len(seq) > 0 {
		state = seq[0]
		if len(seq) > 1 {
			d.states[id] = seq[1:]
		}
	}
	return domain.AppStatus{
		DeploymentID: id,
		State:        state,
		Instances:    []domain.InstanceStatus{{ID: string(id) + "-0", State: state}},
	}, nil
}

func (d *fakeDeployer) liveApps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var apps []string
	for _, app := range d.live {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

func (d *fakeDeployer) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type memReleases struct {
	mu   sync.Mutex
	rels map[domain.ReleaseKey]domain.Release
}

func newMemReleases() *memReleases {
	return &memReleases{rels: make(map[domain.ReleaseKey]domain.Release)}
}

func (m *memReleases) Create(_ context.Context, r domain.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rels[r.Key()]; ok {
		return domain.ErrAlreadyExists
	}
	m.rels[r.Key()] = r
	return nil
}

func (m *memReleases) Update(_ context.Context, r domain.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rels[r.Key()]; !ok {
		return domain.ErrNotFound
	}
	m.rels[r.Key()] = r
	return nil
}

func (m *memReleases) Get(_ context.Context, name string, version int) (domain.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rels[domain.ReleaseKey{Name: name, Version: version}]
	if !ok {
		return domain.Release{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memReleases) sorted(name string) []domain.Release {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Release
	for _, r := range m.rels {
		if name == "" || r.Name == name {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (m *memReleases) Latest(_ context.Context, name string) (domain.Release, error) {
	all := m.sorted(name)
	if len(all) == 0 {
		return domain.Release{}, domain.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (m *memReleases) LatestDeployed(_ context.Context, name string) (domain.Release, error) {
	all := m.sorted(name)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status.Code == domain.StatusDeployed {
			return all[i], nil
		}
	}
	return domain.Release{}, domain.ErrNotFound
}

func (m *memReleases) ListDeployedOrFailed(_ context.Context, name string) ([]domain.Release, error) {
	latest := make(map[string]domain.Release)
	for _, r := range m.sorted(name) {
		if r.Status.Code == domain.StatusDeployed || r.Status.Code == domain.StatusFailed {
			latest[r.Name] = r
		}
	}
	var out []domain.Release
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memReleases) List(_ context.Context, name string) ([]domain.Release, error) {
	return m.sorted(name), nil
}

func (m *memReleases) ListActive(_ context.Context) ([]domain.Release, error) {
	var out []domain.Release
	for _, r := range m.sorted("") {
		if r.Status.Code != domain.StatusFailed && r.Status.Code != domain.StatusDeleted && !r.Status.Settled() {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordKey struct {
	release domain.ReleaseKey
	app     string
}

type memRecords struct {
	mu      sync.Mutex
	records map[recordKey]domain.DeploymentRecord
	failPut bool
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[recordKey]domain.DeploymentRecord)}
}

func (m *memRecords) Put(_ context.Context, r domain.DeploymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("disk full")
	}
	m.records[recordKey{r.Release(), r.ApplicationName}] = r
	return nil
}

func (m *memRecords) Get(_ context.Context, key domain.ReleaseKey, app string) (domain.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{key, app}]
	if !ok {
		return domain.DeploymentRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memRecords) ListByRelease(_ context.Context, key domain.ReleaseKey) ([]domain.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentRecord
	for k, r := range m.records {
		if k.release == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApplicationName < out[j].ApplicationName })
	return out, nil
}

type cancelSet map[string]bool

func (c cancelSet) Canceled(name string) bool { return c[name] }

// fixture wires a manager over in-memory stores and one "local" platform.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	releases *memReleases
	records  *memRecords
	platform *fakeDeployer
	manager  *domain.ReleaseManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		releases: newMemReleases(),
		records:  newMemRecords(),
		platform: newFakeDeployer(),
	}
	f.manager = &domain.ReleaseManager{
		Releases:  f.releases,
		Records:   f.records,
		Platforms: domain.NewPlatformRegistry(map[string]domain.Deployer{"local": f.platform}),
		Manifests: lineManifests{},
		Now:       func() time.Time { return testNow },
	}
	return f
}

func (f *fixture) runner() domain.DurableRunner { return testRunner{ctx: f.ctx} }

// create stores a new DEPLOYING release carrying manifest.
func (f *fixture) create(name string, version int, manifest string) domain.ReleaseKey {
	f.t.Helper()
	r := domain.Release{
		Name:      name,
		Version:   version,
		Platform:  "local",
		Manifest:  manifest,
		Status:    domain.Status{Code: domain.StatusDeploying, Message: "requested"},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	if err := f.releases.Create(f.ctx, r); err != nil {
		f.t.Fatalf("Create %s: %v", r.Key(), err)
	}
	return r.Key()
}

// install creates and installs a release, failing the test on error.
func (f *fixture) install(name string, version int, manifest string) domain.Release {
	f.t.Helper()
	key := f.create(name, version, manifest)
	rel, err := f.manager.Install(f.runner(), key)
	if err != nil {
		f.t.Fatalf("Install %s: %v", key, err)
	}
	return rel
}

func (f *fixture) get(key domain.ReleaseKey) domain.Release {
	f.t.Helper()
	r, err := f.releases.Get(f.ctx, key.Name, key.Version)
	if err != nil {
		f.t.Fatalf("Get %s: %v", key, err)
	}
	return r
}

func (f *fixture) recordIDs(key domain.ReleaseKey) map[string]domain.DeploymentID {
	f.t.Helper()
	recs, err := f.records.ListByRelease(f.ctx, key)
	if err != nil {
		f.t.Fatalf("ListByRelease %s: %v", key, err)
	}
	ids := make(map[string]domain.DeploymentID, len(recs))
	for _, r := range recs {
		ids[r.ApplicationName] = r.DeploymentID
	}
	return ids
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}
