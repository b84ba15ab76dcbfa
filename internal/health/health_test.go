package health

import (
	"context"
	"testing"
)

func ok(name string) Checker {
	return func(ctx context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func failing(name, detail string) Checker {
	return func(ctx context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok("database"))
	r.Register("chain", failing("chain", "wallet not connected"))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("registry with a failing probe should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "chain" {
		t.Errorf("probes should run in registration order, got %v", statuses)
	}
	if statuses[1].Detail != "wallet not connected" {
		t.Errorf("detail = %q", statuses[1].Detail)
	}
}

func TestCheckAllEmptyRegistry(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("got %d statuses, want 0", len(statuses))
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRegistry()
	r.Register("chain", failing("chain", "down"))
	r.Register("chain", ok("chain"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("replaced probe should win")
	}
	if len(statuses) != 1 {
		t.Errorf("got %d statuses, want 1", len(statuses))
	}
}

func TestCheckContextBounded(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) Status {
		if _, ok := ctx.Deadline(); !ok {
			return Status{Name: "slow", Healthy: false, Detail: "no deadline"}
		}
		return Status{Name: "slow", Healthy: true}
	})

	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Error("probe context should carry a deadline")
	}
}
