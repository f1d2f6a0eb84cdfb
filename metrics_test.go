package txcache

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gofhir/txcache/service"
)

// gatherByBucket returns the value of every series of a metric family
// keyed by its bucket label.
func gatherByBucket(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			bucket := ""
			for _, l := range m.GetLabel() {
				if l.GetName() == "bucket" {
					bucket = l.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				out[bucket] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[bucket] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestCollector(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = svc.Provider().ValidateCode(ctx, service.ValidationOptions{}, "http://hl7.org/fhir/administrative-gender", "male", nil, "")
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector("txcache", svc)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	hits := gatherByBucket(t, reg, "txcache_cache_hits_total")
	if len(hits) != 5 {
		t.Errorf("hits series = %v; want one per bucket", hits)
	}
	if hits["validate_code"] != 2 || hits["lookup_code"] != 0 {
		t.Errorf("hits = %v", hits)
	}

	entries := gatherByBucket(t, reg, "txcache_cache_entries")
	if entries["validate_code"] != 1 {
		t.Errorf("entries = %v", entries)
	}

	capacity := gatherByBucket(t, reg, "txcache_cache_capacity")
	if capacity["expand_value_set"] != 100 || capacity["validate_code"] != 5000 {
		t.Errorf("capacity = %v", capacity)
	}

	ttl := gatherByBucket(t, reg, "txcache_cache_ttl_seconds")
	if ttl["expand_value_set"] != 60 || ttl["misc"] != 600 {
		t.Errorf("ttl = %v", ttl)
	}

	if refresh := gatherByBucket(t, reg, "txcache_cache_refresh_dropped_total"); refresh[""] != 0 {
		t.Errorf("refresh dropped = %v", refresh)
	}
}
