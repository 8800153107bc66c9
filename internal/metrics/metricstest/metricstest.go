// Package metricstest reads single series back from a Sink.
package metricstest

import (
	"testing"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/metrics"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// Value returns the value of the series name{labels...}, labels given as
// name, value pairs. It fails the test if there is no such series.
func Value(t testing.TB, sink *metrics.Sink, name string, labels ...string) float64 {
	t.Helper()
	v, ok := Lookup(t, sink, name, labels...)
	require.Truef(t, ok, "no series %s%v", name, labels)
	return v
}

// Lookup is Value reporting a missing series instead of failing.
func Lookup(t testing.TB, sink *metrics.Sink, name string, labels ...string) (float64, bool) {
	t.Helper()
	require.Zero(t, len(labels)%2, "labels must be name, value pairs")
	want := make(map[string]string, len(labels)/2)
	for i := 0; i < len(labels); i += 2 {
		want[labels[i]] = labels[i+1]
	}

	families, err := sink.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !matches(m.GetLabel(), want) {
				continue
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			}
		}
	}
	return 0, false
}

func matches(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}
