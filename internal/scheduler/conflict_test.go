package scheduler

import (
	"testing"
	"time"
)

type sliceIndex []Session

func (x sliceIndex) Occupying(key ResourceKey, window TimeRange) []Session {
	var out []Session
	for _, s := range x {
		if !s.Status.Occupies() || !Overlaps(window, s.Range()) {
			continue
		}
		for _, k := range s.Resources.Keys() {
			if k == key {
				out = append(out, s)
			}
		}
	}
	return out
}

func at(hour, minute int) time.Time {
	return time.Date(2024, time.March, 4, hour, minute, 0, 0, time.UTC)
}

func session(id, trainer, client string, start time.Time, minutes int, status Status) Session {
	return Session{
		ID:              id,
		Resources:       ResourceRefs{TrainerID: trainer, ClientID: client},
		Start:           start,
		DurationMinutes: minutes,
		Status:          status,
		Version:         1,
	}
}

func TestOverlaps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b TimeRange
		want bool
	}{
		{"identical", RangeFor(at(10, 0), 60), RangeFor(at(10, 0), 60), true},
		{"partial", RangeFor(at(10, 0), 60), RangeFor(at(10, 30), 60), true},
		{"contained", RangeFor(at(9, 0), 180), RangeFor(at(10, 0), 15), true},
		{"back to back", RangeFor(at(10, 0), 60), RangeFor(at(11, 0), 60), false},
		{"disjoint", RangeFor(at(8, 0), 30), RangeFor(at(12, 0), 30), false},
	}
	for _, tc := range cases {
		if got := Overlaps(tc.a, tc.b); got != tc.want {
			t.Fatalf("%s: Overlaps(a,b) = %v, want %v", tc.name, got, tc.want)
		}
		if Overlaps(tc.a, tc.b) != Overlaps(tc.b, tc.a) {
			t.Fatalf("%s: overlap is not symmetric", tc.name)
		}
	}
}

func TestConflictDetector_RescheduleScenario(t *testing.T) {
	t.Parallel()

	index := sliceIndex{
		session("A", "T", "", at(10, 0), 60, StatusAvailable),
		session("B", "T", "", at(14, 0), 60, StatusAvailable),
	}
	detector := NewConflictDetector(index, DetectorOptions{})

	report := detector.Check(RangeFor(at(10, 30), 60), ResourceRefs{TrainerID: "T"}, "B")
	if len(report.Conflicts) != 1 || report.Conflicts[0].SessionID != "A" {
		t.Fatalf("expected a single conflict with A, got %+v", report.Conflicts)
	}
	if report.Conflicts[0].Kind != ConflictTrainer {
		t.Fatalf("expected trainer conflict, got %s", report.Conflicts[0].Kind)
	}
	if len(report.Alternatives) == 0 || len(report.Alternatives) > DefaultMaxAlternatives {
		t.Fatalf("unexpected alternatives: %+v", report.Alternatives)
	}
	if !report.Alternatives[0].Start.Equal(at(11, 0)) || !report.Alternatives[0].End.Equal(at(12, 0)) {
		t.Fatalf("expected 11:00-12:00 first, got %+v", report.Alternatives[0])
	}
	for _, alt := range report.Alternatives {
		again := detector.Check(TimeRange{Start: alt.Start, End: alt.End}, alt.Resources, "B")
		if again.HasConflicts() {
			t.Fatalf("alternative %s conflicts: %+v", alt.Start, again.Conflicts)
		}
	}
}

func TestConflictDetector_IndependentResources(t *testing.T) {
	t.Parallel()

	index := sliceIndex{
		session("trainer-busy", "T", "other-client", at(9, 0), 60, StatusScheduled),
		session("client-busy", "other-trainer", "C", at(9, 30), 60, StatusConfirmed),
		session("cancelled", "T", "C", at(9, 0), 60, StatusCancelled),
	}
	detector := NewConflictDetector(index, DetectorOptions{})

	report := detector.Check(RangeFor(at(9, 15), 30), ResourceRefs{TrainerID: "T", ClientID: "C"}, "")
	if len(report.Conflicts) != 2 {
		t.Fatalf("expected two conflicts, got %+v", report.Conflicts)
	}
	kinds := map[ConflictKind]string{}
	for _, c := range report.Conflicts {
		kinds[c.Kind] = c.SessionID
	}
	if kinds[ConflictTrainer] != "trainer-busy" || kinds[ConflictClient] != "client-busy" {
		t.Fatalf("unexpected conflict kinds %v", kinds)
	}

	clientOnly := detector.Check(RangeFor(at(10, 0), 30), ResourceRefs{ClientID: "C"}, "")
	if len(clientOnly.Conflicts) != 1 || clientOnly.Conflicts[0].Kind != ConflictClient {
		t.Fatalf("expected one client conflict, got %+v", clientOnly.Conflicts)
	}
}

func TestConflictDetector_ExcludeAndBackToBack(t *testing.T) {
	t.Parallel()

	index := sliceIndex{session("self", "T", "", at(10, 0), 60, StatusAvailable)}
	detector := NewConflictDetector(index, DetectorOptions{})

	if report := detector.Check(RangeFor(at(10, 15), 60), ResourceRefs{TrainerID: "T"}, "self"); report.HasConflicts() {
		t.Fatalf("moving a session must not collide with itself: %+v", report.Conflicts)
	}
	if report := detector.Check(RangeFor(at(11, 0), 60), ResourceRefs{TrainerID: "T"}, ""); report.HasConflicts() {
		t.Fatalf("back to back sessions must not conflict: %+v", report.Conflicts)
	}
	if report := detector.Check(RangeFor(at(9, 0), 60), ResourceRefs{TrainerID: "T"}, ""); report.HasConflicts() {
		t.Fatalf("session ending at the start must not conflict: %+v", report.Conflicts)
	}
	report := detector.Check(RangeFor(at(11, 0), 60), ResourceRefs{TrainerID: "T"}, "")
	if len(report.Alternatives) != 0 {
		t.Fatalf("no alternatives expected without conflicts, got %+v", report.Alternatives)
	}
}

func TestConflictDetector_FallsBackToNextDay(t *testing.T) {
	t.Parallel()

	index := sliceIndex{
		session("evening", "T", "", at(21, 0), 180, StatusBlocked),
	}
	detector := NewConflictDetector(index, DetectorOptions{})

	report := detector.Check(RangeFor(at(22, 0), 60), ResourceRefs{TrainerID: "T"}, "")
	if len(report.Alternatives) != 1 {
		t.Fatalf("expected only the next-day alternative, got %+v", report.Alternatives)
	}
	want := time.Date(2024, time.March, 5, 22, 0, 0, 0, time.UTC)
	if !report.Alternatives[0].Start.Equal(want) {
		t.Fatalf("expected %s, got %s", want, report.Alternatives[0].Start)
	}
}

func TestConflictDetector_BoundedProbes(t *testing.T) {
	t.Parallel()

	var index sliceIndex
	for i := 0; i < 20; i++ {
		index = append(index, session("busy", "T", "", at(0, 0).Add(time.Duration(i)*time.Hour), 60, StatusScheduled))
	}
	detector := NewConflictDetector(index, DetectorOptions{MaxProbes: 4})

	report := detector.Check(RangeFor(at(0, 0), 60), ResourceRefs{TrainerID: "T"}, "")
	if !report.HasConflicts() {
		t.Fatal("expected conflicts")
	}
	if len(report.Alternatives) != 0 {
		t.Fatalf("probe budget exhausted before any free slot, got %+v", report.Alternatives)
	}
}

func TestConflictDetector_OrdersByProximityAndCaps(t *testing.T) {
	t.Parallel()

	index := sliceIndex{session("A", "T", "", at(8, 0), 30, StatusScheduled)}
	detector := NewConflictDetector(index, DetectorOptions{MaxAlternatives: 2})

	report := detector.Check(RangeFor(at(8, 0), 30), ResourceRefs{TrainerID: "T"}, "")
	if len(report.Alternatives) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(report.Alternatives))
	}
	if !report.Alternatives[0].Start.Equal(at(8, 30)) || !report.Alternatives[1].Start.Equal(at(9, 0)) {
		t.Fatalf("unexpected order %+v", report.Alternatives)
	}
}
