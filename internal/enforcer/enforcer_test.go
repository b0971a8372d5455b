package enforcer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

const mib = 1 << 20

// writePackage creates a loadable plugin package with the given ceilings.
func writePackage(t *testing.T, memBytes uint64, cpuPercent float64) string {
	t.Helper()
	dir := t.TempDir()
	entry := []byte("#!/bin/sh\nexit 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin"), entry, 0o755))
	sum := sha256.Sum256(entry)
	doc := fmt.Sprintf(`name: sampled-plugin
version: 1.0.0
entry: plugin
trust: standard
resources:
  memory_bytes: %d
  cpu_percent: %v
integrity:
  sha256: %s
`, memBytes, cpuPercent, hex.EncodeToString(sum[:]))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(doc), 0o600))
	return dir
}

type fakeRuntime struct{ pid int }

func (f *fakeRuntime) PID() int                   { return f.pid }
func (f *fakeRuntime) Stop(context.Context) error { return nil }
func (f *fakeRuntime) Kill() error                { return nil }

// scriptSampler replays a fixed sample sequence, repeating the last entry.
type scriptSampler struct {
	samples []model.ResourceSample
	i       int
}

func (s *scriptSampler) Sample(context.Context, int) (model.ResourceSample, error) {
	idx := s.i
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	}
	s.i++
	out := s.samples[idx]
	out.Timestamp = time.Now().Add(time.Duration(s.i) * time.Millisecond)
	return out, nil
}

func samplesAt(rss uint64, cpu float64, n int) []model.ResourceSample {
	out := make([]model.ResourceSample, n)
	for i := range out {
		out[i] = model.ResourceSample{RSSBytes: rss, CPUPercent: cpu}
	}
	return out
}

func runningInstance(t *testing.T, reg *registry.Registry, dir string) *registry.Instance {
	t.Helper()
	inst, err := reg.Load(dir)
	require.NoError(t, err)
	require.NoError(t, reg.Transition(inst.ID, model.StateStarting, "start", ""))
	require.NoError(t, reg.Transition(inst.ID, model.StateRunning, "start", ""))
	inst.AttachRuntime(&fakeRuntime{pid: 4242})
	return inst
}

func TestSustainedMemoryBreachTerminates(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 64*mib, 50))
	lg := ledger.New(zap.NewNop(), nil)

	sampler := &scriptSampler{samples: samplesAt(128*mib, 10, 10)}
	e := New(Config{BreachWindow: 3}, reg, sampler, lg)

	var breaches []*model.ResourceExceededError
	e.OnHardBreach(func(id string, breach *model.ResourceExceededError) {
		breaches = append(breaches, breach)
		require.NoError(t, reg.Block(id, "resource_exceeded"))
	})

	for i := 0; i < 10; i++ {
		e.Tick(context.Background())
	}

	require.Len(t, breaches, 1, "hard breach must fire exactly once before termination")
	b := breaches[0]
	assert.Equal(t, inst.ID, b.PluginID)
	assert.Equal(t, "memory", b.Resource)
	assert.True(t, b.Hard)
	assert.Equal(t, uint64(128*mib), b.Observed)

	state, reason := inst.State()
	assert.Equal(t, model.StateBlocked, state)
	assert.Equal(t, "resource_exceeded", reason)

	violations := lg.ForPlugin(inst.ID)
	require.Len(t, violations, 3, "two soft warnings then the critical")
	assert.Equal(t, model.SeverityWarning, violations[0].Severity)
	assert.Equal(t, model.SeverityWarning, violations[1].Severity)
	assert.Equal(t, model.SeverityCritical, violations[2].Severity)
}

func TestTransientBreachOnlyWarnsAndThrottles(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 64*mib, 50))
	lg := ledger.New(zap.NewNop(), nil)

	seq := append(samplesAt(128*mib, 10, 2), samplesAt(32*mib, 10, 4)...)
	e := New(Config{BreachWindow: 3}, reg, &scriptSampler{samples: seq}, lg)

	hard := 0
	throttled := 0
	e.OnHardBreach(func(string, *model.ResourceExceededError) { hard++ })
	e.OnThrottle(func(string) { throttled++ })

	for i := 0; i < 6; i++ {
		e.Tick(context.Background())
	}

	assert.Zero(t, hard, "streak broken below the window must not terminate")
	assert.Equal(t, 2, throttled)
	state, _ := inst.State()
	assert.Equal(t, model.StateRunning, state)
	for _, v := range lg.ForPlugin(inst.ID) {
		assert.Equal(t, model.SeverityWarning, v.Severity)
	}
}

func TestCPUCeilingEnforced(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 256*mib, 25))
	lg := ledger.New(zap.NewNop(), nil)

	e := New(Config{BreachWindow: 2}, reg, &scriptSampler{samples: samplesAt(32*mib, 90, 5)}, lg)
	var breach *model.ResourceExceededError
	e.OnHardBreach(func(id string, b *model.ResourceExceededError) {
		breach = b
		require.NoError(t, reg.Block(id, "resource_exceeded"))
	})

	for i := 0; i < 5; i++ {
		e.Tick(context.Background())
	}
	require.NotNil(t, breach)
	assert.Equal(t, "cpu", breach.Resource)
	_ = inst
}

func TestSamplesRecordedOnInstance(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 256*mib, 50))
	lg := ledger.New(zap.NewNop(), nil)

	e := New(Config{}, reg, &scriptSampler{samples: samplesAt(10*mib, 5, 4)}, lg)
	for i := 0; i < 4; i++ {
		e.Tick(context.Background())
	}
	assert.Len(t, inst.Samples(), 4)
}

func TestBaselineFollowsUsage(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 256*mib, 50))
	lg := ledger.New(zap.NewNop(), nil)

	seq := append(samplesAt(10*mib, 5, 3), samplesAt(40*mib, 20, 6)...)
	e := New(Config{}, reg, &scriptSampler{samples: seq}, lg)

	for i := 0; i < 9; i++ {
		e.Tick(context.Background())
	}
	base, ok := e.BaselineFor(inst.ID)
	require.True(t, ok)
	assert.Greater(t, base.RSSBytes, float64(10*mib))
	assert.Less(t, base.RSSBytes, float64(40*mib))

	e.Forget(inst.ID)
	_, ok = e.BaselineFor(inst.ID)
	assert.False(t, ok)
}

func TestBaselineAlphaConfigurable(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst := runningInstance(t, reg, writePackage(t, 256*mib, 50))
	lg := ledger.New(zap.NewNop(), nil)

	// Alpha 1 makes the baseline track the newest sample exactly.
	seq := append(samplesAt(10*mib, 5, 3), samplesAt(40*mib, 20, 1)...)
	e := New(Config{BaselineAlpha: 1}, reg, &scriptSampler{samples: seq}, lg)
	for i := 0; i < 4; i++ {
		e.Tick(context.Background())
	}
	base, ok := e.BaselineFor(inst.ID)
	require.True(t, ok)
	assert.Equal(t, float64(40*mib), base.RSSBytes)
	assert.Equal(t, float64(20), base.CPUPercent)
}

func TestNonRunningInstancesSkipped(t *testing.T) {
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	inst, err := reg.Load(writePackage(t, 64*mib, 50))
	require.NoError(t, err)

	e := New(Config{}, reg, &scriptSampler{samples: samplesAt(128*mib, 99, 3)}, ledger.New(zap.NewNop(), nil))
	e.Tick(context.Background())
	assert.Empty(t, inst.Samples())
}
