package scheduler

import (
	"sort"
	"time"
)

const (
	// DefaultMaxAlternatives is how many free slots a report proposes at most.
	DefaultMaxAlternatives = 3
	// DefaultMaxProbes bounds the candidate slots examined while searching for alternatives.
	DefaultMaxProbes = 12
)

// ConflictKind says which resource is double-booked.
type ConflictKind string

const (
	ConflictTrainer ConflictKind = "resource-double-booked"
	ConflictClient  ConflictKind = "client-double-booked"
)

// Conflict is one existing session overlapping a candidate range on one resource.
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	SessionID  string       `json:"conflictingSessionId"`
	ResourceID string       `json:"resourceId"`
	Start      time.Time    `json:"start"`
	End        time.Time    `json:"end"`
	Status     Status       `json:"status"`
}

// Alternative is a conflict-free slot for the same resources.
type Alternative struct {
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Resources ResourceRefs `json:"resourceRefs"`
}

// ConflictReport is the result of a check. Alternatives are only computed when conflicts exist.
type ConflictReport struct {
	Conflicts    []Conflict    `json:"conflicts"`
	Alternatives []Alternative `json:"alternatives"`
}

// HasConflicts reports whether the candidate collided with anything.
func (r ConflictReport) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

// SessionIndex answers which occupying sessions hold a resource during a window.
type SessionIndex interface {
	Occupying(key ResourceKey, window TimeRange) []Session
}

// DetectorOptions tunes alternative search. Zero values select the defaults.
type DetectorOptions struct {
	MaxAlternatives int
	MaxProbes       int
	// Location defines calendar day boundaries for "later the same day" and "next day".
	Location *time.Location
}

// ConflictDetector checks candidate ranges against an index. It never mutates anything.
type ConflictDetector struct {
	index           SessionIndex
	maxAlternatives int
	maxProbes       int
	location        *time.Location
}

// NewConflictDetector constructs a detector over the provided index.
func NewConflictDetector(index SessionIndex, opts DetectorOptions) *ConflictDetector {
	if opts.MaxAlternatives <= 0 {
		opts.MaxAlternatives = DefaultMaxAlternatives
	}
	if opts.MaxProbes <= 0 {
		opts.MaxProbes = DefaultMaxProbes
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &ConflictDetector{
		index:           index,
		maxAlternatives: opts.MaxAlternatives,
		maxProbes:       opts.MaxProbes,
		location:        opts.Location,
	}
}

// Check returns every overlapping session for the trainer and the client independently, and when
// there is at least one, up to MaxAlternatives conflict-free slots ordered by proximity.
func (d *ConflictDetector) Check(candidate TimeRange, refs ResourceRefs, excludeID string) ConflictReport {
	report := ConflictReport{Conflicts: []Conflict{}, Alternatives: []Alternative{}}
	if !candidate.Valid() {
		return report
	}
	report.Conflicts = d.conflicts(candidate, refs, excludeID)
	if len(report.Conflicts) > 0 {
		report.Alternatives = d.alternatives(candidate, refs, excludeID)
	}
	return report
}

func (d *ConflictDetector) conflicts(candidate TimeRange, refs ResourceRefs, excludeID string) []Conflict {
	found := []Conflict{}
	for _, key := range refs.Keys() {
		kind := ConflictTrainer
		if key.Kind == ResourceClient {
			kind = ConflictClient
		}
		for _, existing := range d.index.Occupying(key, candidate) {
			if existing.ID == excludeID || !existing.Status.Occupies() {
				continue
			}
			if !Overlaps(candidate, existing.Range()) {
				continue
			}
			found = append(found, Conflict{
				Kind:       kind,
				SessionID:  existing.ID,
				ResourceID: key.ID,
				Start:      existing.Start,
				End:        existing.End(),
				Status:     existing.Status,
			})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].Start.Equal(found[j].Start) {
			return found[i].Start.Before(found[j].Start)
		}
		return found[i].Kind < found[j].Kind
	})
	return found
}

// alternatives probes forward from the request within the same day. A probe that collides jumps
// to the latest end among its collisions; a free probe is kept and the next probe starts one
// duration later. The same wall-clock time on the following day is tried last.
func (d *ConflictDetector) alternatives(candidate TimeRange, refs ResourceRefs, excludeID string) []Alternative {
	duration := candidate.Duration()
	local := candidate.Start.In(d.location)
	y, m, day := local.Date()
	dayEnd := time.Date(y, m, day+1, 0, 0, 0, 0, d.location)

	found := make([]Alternative, 0, d.maxAlternatives)
	probes := 0
	probe := candidate.Start
	for probes < d.maxProbes && len(found) < d.maxAlternatives {
		slot := TimeRange{Start: probe, End: probe.Add(duration)}
		if slot.End.After(dayEnd) {
			break
		}
		probes++
		collisions := d.conflicts(slot, refs, excludeID)
		if len(collisions) == 0 {
			if !probe.Equal(candidate.Start) {
				found = append(found, Alternative{Start: slot.Start, End: slot.End, Resources: refs})
			}
			probe = slot.End
			continue
		}
		next := probe
		for _, c := range collisions {
			if c.End.After(next) {
				next = c.End
			}
		}
		probe = next
	}

	if probes < d.maxProbes && len(found) < d.maxAlternatives {
		nextDay := time.Date(y, m, day+1, local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), d.location).UTC()
		slot := TimeRange{Start: nextDay, End: nextDay.Add(duration)}
		if len(d.conflicts(slot, refs, excludeID)) == 0 {
			found = append(found, Alternative{Start: slot.Start, End: slot.End, Resources: refs})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		di := absDuration(found[i].Start.Sub(candidate.Start))
		dj := absDuration(found[j].Start.Sub(candidate.Start))
		if di != dj {
			return di < dj
		}
		return found[i].Start.Before(found[j].Start)
	})
	if len(found) > d.maxAlternatives {
		found = found[:d.maxAlternatives]
	}
	return found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
