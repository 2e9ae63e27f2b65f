package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

func names(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Instance.Name)
	}
	return out
}

func TestOrderTargetsDefault(t *testing.T) {
	// two backends, instance numbers 1..4; expect backend order first, then
	// even instance numbers before odd within each backend
	targets := []Target{
		withHAProxy(mkTarget(1, "billing_1", "web1"), "s1", "backend_b", "u"),
		withHAProxy(mkTarget(2, "billing_2", "web2"), "s2", "backend_a", "u"),
		withHAProxy(mkTarget(3, "billing_3", "web3"), "s3", "backend_a", "u"),
		withHAProxy(mkTarget(4, "billing_4", "web4"), "s4", "backend_b", "u"),
	}

	ordered := orderTargets(targets, model.BatchByGroup)
	assert.Equal(t, []string{"billing_2", "billing_3", "billing_4", "billing_1"}, names(ordered))
	// input untouched
	assert.Equal(t, []string{"billing_1", "billing_2", "billing_3", "billing_4"}, names(targets))
}

func TestOrderTargetsByServer(t *testing.T) {
	targets := []Target{
		mkTarget(1, "billing_2", "web2.dc1"),
		mkTarget(2, "billing_1", "web1.dc1"),
		mkTarget(3, "audit_1", "web1.dc1"),
	}

	ordered := orderTargets(targets, model.BatchByServer)
	assert.Equal(t, []string{"audit_1", "billing_1", "billing_2"}, names(ordered))
}

func TestOrderTargetsNoGrouping(t *testing.T) {
	targets := []Target{
		mkTarget(1, "billing_3", "web3"),
		mkTarget(2, "billing_1", "web1"),
		mkTarget(3, "billing_2", "web2"),
	}

	ordered := orderTargets(targets, model.BatchNoGrouping)
	assert.Equal(t, []string{"billing_3", "billing_1", "billing_2"}, names(ordered))
}

func TestOrderTargetsNoNumericSuffix(t *testing.T) {
	// names without digits sort as instance number 0, before numbered ones
	targets := []Target{
		mkTarget(1, "billing_2", "web1"),
		mkTarget(2, "billing", "web2"),
	}

	ordered := orderTargets(targets, model.BatchByGroup)
	assert.Equal(t, []string{"billing", "billing_2"}, names(ordered))
}

func TestSplitByBackend(t *testing.T) {
	targets := []Target{
		withHAProxy(mkTarget(1, "billing_1", "web1"), "s1", "backend_b", "u"),
		withHAProxy(mkTarget(2, "billing_2", "web2"), "s2", "backend_a", "u"),
		mkTarget(3, "billing_3", "web3"),
		withHAProxy(mkTarget(4, "billing_4", "web4"), "s4", "backend_a", "u"),
	}

	assert.True(t, SpansBackends(targets))

	batches := SplitByBackend(targets)
	require.Len(t, batches, 2)
	// backend name order; unmapped billing_3 rides with the first backend
	assert.Equal(t, []string{"billing_2", "billing_4", "billing_3"}, names(batches[0]))
	assert.Equal(t, []string{"billing_1"}, names(batches[1]))
}

func TestSplitByBackendAllUnmapped(t *testing.T) {
	targets := []Target{
		mkTarget(1, "billing_1", "web1"),
		mkTarget(2, "billing_2", "web2"),
	}
	batches := SplitByBackend(targets)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"billing_1", "billing_2"}, names(batches[0]))
}

func TestSpansBackendsSinglePartition(t *testing.T) {
	same := []Target{
		withHAProxy(mkTarget(1, "billing_1", "web1"), "s1", "backend_a", "u"),
		withHAProxy(mkTarget(2, "billing_2", "web2"), "s2", "backend_a", "u"),
	}
	assert.False(t, SpansBackends(same))

	unmapped := []Target{
		mkTarget(1, "billing_1", "web1"),
		mkTarget(2, "billing_2", "web2"),
	}
	assert.False(t, SpansBackends(unmapped))
	assert.False(t, SpansBackends(nil))

	// one backend plus an unmapped instance is a single invocation, not a split
	mixed := []Target{
		withHAProxy(mkTarget(1, "billing_1", "web1"), "s1", "backend_a", "u"),
		mkTarget(2, "billing_2", "web2"),
	}
	assert.False(t, SpansBackends(mixed))
}
