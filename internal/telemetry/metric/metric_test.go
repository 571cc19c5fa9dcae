package metric

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_CollectsAndServes(t *testing.T) {
	r := NewRegistry()

	r.CachePuts.WithLabelValues("sessions").Inc()
	r.CacheHits.WithLabelValues("sessions").Add(3)
	r.ClusterMembers.Set(2)
	r.PartitionHeals.WithLabelValues("ok").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`authmesh_cache_puts_total{table="sessions"} 1`,
		`authmesh_cache_hits_total{table="sessions"} 3`,
		`authmesh_cluster_members 2`,
		`authmesh_partition_heals_total{result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_GathererExposesFamilies(t *testing.T) {
	r := NewRegistry()
	r.ReplicationSent.Inc()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "authmesh_replication_sent_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("authmesh_replication_sent_total not gathered")
	}
}
