package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStorefrontMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewStorefrontMetrics(reg)
	metrics.ObserveMerge("merged")
	metrics.ObserveMerge("merged")
	metrics.ObserveMerge("")
	metrics.IncStorageFailure("write")
	metrics.ObserveRemote("existence", "ok", 150*time.Millisecond)
	metrics.ObserveTransition("enter", "password")
	metrics.SetActivePages(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "cart_merge_total", "outcome", "merged"); err != nil {
		t.Fatalf("fetch merges: %v", err)
	} else if got != 2 {
		t.Fatalf("expected merged=2, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "cart_merge_total", "outcome", "unknown"); err != nil {
		t.Fatalf("fetch unknown merges: %v", err)
	} else if got != 1 {
		t.Fatalf("expected unknown=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "cart_storage_failures_total", "op", "write"); err != nil {
		t.Fatalf("fetch storage failures: %v", err)
	} else if got != 1 {
		t.Fatalf("expected write failures=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "auth_modal_transitions_total", "to", "password"); err != nil {
		t.Fatalf("fetch transitions: %v", err)
	} else if got != 1 {
		t.Fatalf("expected transitions=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "remote_call_duration_seconds", "op", "existence"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}

	gauge := findMetricFamily(mfs, "page_sessions_active")
	if gauge == nil || gauge.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatalf("expected page_sessions_active=3")
	}
}

func TestStorefrontMetricsNilSafe(t *testing.T) {
	var metrics *StorefrontMetrics
	metrics.ObserveMerge("merged")
	metrics.IncStorageFailure("read")
	metrics.ObserveRemote("signin", "error", time.Second)
	metrics.ObserveTransition("closed", "enter")
	metrics.SetActivePages(1)

	unregistered := NewStorefrontMetrics(nil)
	unregistered.ObserveMerge("merged")
	unregistered.SetActivePages(2)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
