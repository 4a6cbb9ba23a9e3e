package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateSpec(t *testing.T) {
	for _, spec := range []string{"@every 1m", "0 3 * * *", "*/10 * * * * *", "@daily"} {
		if err := ValidateSpec(spec); err != nil {
			t.Errorf("ValidateSpec(%q) error: %v", spec, err)
		}
	}
	if err := ValidateSpec("not a spec"); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestService_Register(t *testing.T) {
	s := NewService("")
	noop := func(context.Context) error { return nil }

	if err := s.Register("tick", "@every 1m", noop); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := s.Register("tick", "@every 1m", noop); err == nil {
		t.Error("expected duplicate name error")
	}
	if err := s.Register("bad", "bogus", noop); err == nil {
		t.Error("expected invalid spec error")
	}
	if err := s.Register("", "@every 1m", noop); err == nil {
		t.Error("expected missing name error")
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "tick" || jobs[0].Spec != "@every 1m" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "cron", "jobs.json")
	s := NewService(storePath)
	fixed := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	fail := true
	err := s.Register("maintain", "@every 1h", func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := s.RunNow(context.Background(), "maintain"); err == nil {
		t.Fatal("expected job error")
	}
	jobs := s.Jobs()
	if jobs[0].State.LastStatus != StatusError || jobs[0].State.LastError != "boom" {
		t.Errorf("state after failure = %+v", jobs[0].State)
	}

	fail = false
	if err := s.RunNow(context.Background(), "maintain"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}

	stored, err := LoadStates(storePath)
	if err != nil {
		t.Fatalf("LoadStates error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("len(stored) = %d, want 1", len(stored))
	}
	st := stored[0].State
	if st.LastStatus != StatusOK || st.LastError != "" || st.Runs != 2 || !st.LastRunAt.Equal(fixed) {
		t.Errorf("stored state = %+v", st)
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected not found error")
	}
}

func TestLoadStates(t *testing.T) {
	dir := t.TempDir()
	jobs, err := LoadStates(filepath.Join(dir, "none.json"))
	if err != nil || jobs != nil {
		t.Errorf("missing file: jobs=%v err=%v", jobs, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStates(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestService_StartRestoresStateAndRuns(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(storePath, []byte(`[{"name":"tick","spec":"@every 1s","state":{"runs":5,"lastStatus":"ok"}}]`), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewService(storePath)
	var calls atomic.Int32
	if err := s.Register("tick", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("expected error on second start")
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if calls.Load() == 0 {
		t.Fatal("job never ran")
	}
	if runs := s.Jobs()[0].State.Runs; runs < 6 {
		t.Errorf("runs = %d, want restored count plus new runs", runs)
	}
}

func TestService_StopOnContextCancel(t *testing.T) {
	s := NewService("")
	if err := s.Register("tick", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cron == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("service did not stop after cancel")
}
