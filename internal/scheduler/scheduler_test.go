package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{"0 * * * *", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), false},
		{"@daily", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), false},
		{"@every 30m", from.Add(30 * time.Minute), false},
		{"not a schedule", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NextRun(tt.expr, from)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdd_Validates(t *testing.T) {
	s := New(nil, nil)
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Schedule: "@hourly", Run: noop}); err == nil {
		t.Error("missing name should fail")
	}
	if err := s.Add(Job{Name: "x", Schedule: "@hourly"}); err == nil {
		t.Error("missing run function should fail")
	}
	if err := s.Add(Job{Name: "x", Schedule: "every hour", Run: noop}); err == nil {
		t.Error("bad schedule should fail")
	}
	if err := s.Add(Job{Name: "x", Schedule: "@hourly", Run: noop}); err != nil {
		t.Errorf("valid job: %v", err)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(NewMetrics(reg), nil)
	ctx := context.Background()

	s.run(ctx, Job{Name: "rotate", Run: func(context.Context) error { return nil }})
	s.run(ctx, Job{Name: "rotate", Run: func(context.Context) error { return errors.New("boom") }})
	s.run(ctx, Job{Name: "rotate", Run: func(context.Context) error { return nil }})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "gatekeep_scheduler_job_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" {
					got[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	if got["success"] != 2 || got["failure"] != 1 {
		t.Errorf("job runs = %v, want success=2 failure=1", got)
	}
}

func TestRun_SkipsAfterCancel(t *testing.T) {
	s := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	s.run(ctx, Job{Name: "x", Run: func(context.Context) error { ran = true; return nil }})
	if ran {
		t.Error("job should not run after the scheduler context is canceled")
	}
}

func TestStart_RunsJobs(t *testing.T) {
	s := New(nil, nil)
	fired := make(chan struct{}, 1)
	err := s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	stop := s.Start(context.Background())
	defer stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}
