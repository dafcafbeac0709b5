package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
)

func TestManagerReusesSessionPerIdentity(t *testing.T) {
	syncer, _ := newTestSyncer()
	m := NewManager(Deps{Generator: newFakeGenerator(), Sync: syncer, Logger: testLogger()}, time.Minute)
	defer m.Close()

	a := m.Get(context.Background(), "u1")
	b := m.Get(context.Background(), "u1")
	c := m.Get(context.Background(), "u2")

	if a != b {
		t.Fatal("expected the same session for the same identity")
	}
	if a == c {
		t.Fatal("expected distinct sessions for distinct identities")
	}
	if a.Identity() != "u1" || c.Identity() != "u2" {
		t.Fatalf("unexpected identities %q, %q", a.Identity(), c.Identity())
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}
}

func TestManagerGetResumesStoredPlan(t *testing.T) {
	syncer, docs := newTestSyncer()
	stored := &domain.PlanRecord{
		Profile: domain.Profile{Name: "Old", Interest: "Data"},
		Roadmap: domain.Roadmap{{Title: "Saved step"}},
	}
	if err := syncer.Commit(context.Background(), "u1", stored); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	gen := newFakeGenerator()
	m := NewManager(Deps{Generator: gen, Sync: syncer, Logger: testLogger()}, time.Minute)
	defer m.Close()

	s := m.Get(context.Background(), "u1")
	v := s.View()
	if v.Phase != PhaseReviewing || v.Profile.Name != "Old" {
		t.Fatalf("expected first view to resume the stored plan, got %+v", v)
	}

	if _, err := s.UpdateProfile(alex); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase, got %v", err)
	}
	if _, err := s.BuildPlan(context.Background()); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Fatalf("expected no generation, got %d calls", gen.callCount())
	}
	rec, _ := docs.Get(context.Background(), syncer.Path("u1"))
	if rec.Profile.Name != "Old" {
		t.Fatalf("stored plan was overwritten: %+v", rec)
	}
}

func TestManagerReplacesIdleSession(t *testing.T) {
	m := NewManager(Deps{Generator: newFakeGenerator(), Logger: testLogger()}, 50*time.Millisecond)
	defer m.Close()

	old := m.Get(context.Background(), "u1")
	time.Sleep(80 * time.Millisecond)

	fresh := m.Get(context.Background(), "u1")
	if fresh == old {
		t.Fatal("expected a new session after the idle timeout")
	}
	if _, err := old.UpdateProfile(domain.Profile{Name: "Alex"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected idle session closed, got %v", err)
	}
}

func TestManagerRemoveAndClose(t *testing.T) {
	m := NewManager(Deps{Generator: newFakeGenerator(), Logger: testLogger()}, time.Minute)

	s1 := m.Get(context.Background(), "u1")
	s2 := m.Get(context.Background(), "u2")

	m.Remove("u1")
	if _, err := s1.Edit(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected removed session closed, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Len())
	}

	m.Close()
	if _, err := s2.Edit(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected session closed on manager close, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Len())
	}
}
