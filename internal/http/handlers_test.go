package http

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func TestHealthzIsPublic(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSessionRoutesRequireAccessKey(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	for _, key := range []string{"", "unknown-key"} {
		rec := env.do(t, http.MethodGet, "/sessions", key, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: expected 401, got %d", key, rec.Code)
		}
	}
}

func TestRescheduleConflictReturnsAlternatives(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(10, 0), 60)
	moving := env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(14, 0), 60)

	rec := env.do(t, http.MethodPost, "/sessions/"+moving.ID+"/reschedule", "trainer-1-key", map[string]any{
		"newStartTime": tomorrow(10, 30),
		"newEndTime":   tomorrow(11, 30),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON[conflictResponse](t, rec)
	if body.ErrorCode != "CONFLICT" || len(body.Conflicts) != 1 {
		t.Fatalf("unexpected conflict body %+v", body)
	}
	if len(body.Alternatives) == 0 || !body.Alternatives[0].Start.Equal(tomorrow(11, 0)) {
		t.Fatalf("expected 11:00 as the first alternative, got %+v", body.Alternatives)
	}

	get := env.do(t, http.MethodGet, "/sessions/"+moving.ID, "trainer-1-key", nil)
	unchanged := decodeJSON[scheduler.Session](t, get)
	if unchanged.Version != 1 || !unchanged.Start.Equal(tomorrow(14, 0)) {
		t.Fatalf("rejected reschedule must not change the session: %+v", unchanged)
	}
}

func TestOverrideIsAdminOnly(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(10, 0), 60)
	body := map[string]any{
		"startTime":        tomorrow(10, 30),
		"duration":         60,
		"trainerId":        "trainer-1",
		"conflictOverride": true,
		"reason":           "double class",
	}

	if rec := env.do(t, http.MethodPost, "/sessions", "trainer-1-key", body); rec.Code != http.StatusForbidden {
		t.Fatalf("trainer override: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodPost, "/sessions", "admin-1-key", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin override: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[scheduler.Session](t, rec)

	audit := env.do(t, http.MethodGet, "/sessions/"+created.ID+"/overrides", "admin-1-key", nil)
	if audit.Code != http.StatusOK {
		t.Fatalf("overrides: expected 200, got %d", audit.Code)
	}
	if entries := decodeJSON[[]application.OverrideView](t, audit); len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %+v", entries)
	}
}

func TestLockedSessionAnswers423(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	s := env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(9, 0), 60)

	if rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/lock", "trainer-1-key", nil); rec.Code != http.StatusOK {
		t.Fatalf("acquire: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/lock", "trainer-2-key", nil); rec.Code != http.StatusLocked {
		t.Fatalf("second acquire: expected 423, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPatch, "/sessions/"+s.ID, "trainer-2-key", map[string]any{
		"expectedVersion": 1,
		"location":        "Studio B",
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("edit under foreign lock: expected 423, got %d: %s", rec.Code, rec.Body.String())
	}
	denied := decodeJSON[lockDeniedResponse](t, rec)
	if denied.Owner.ID != "trainer-1" || denied.ExpiresAt.IsZero() {
		t.Fatalf("expected owner and expiry, got %+v", denied)
	}

	get := decodeJSON[scheduler.Session](t, env.do(t, http.MethodGet, "/sessions/"+s.ID, "trainer-2-key", nil))
	if get.Lock == nil || get.Lock.ActorID != "trainer-1" {
		t.Fatalf("expected lock owner on read, got %+v", get.Lock)
	}

	if rec := env.do(t, http.MethodDelete, "/sessions/"+s.ID+"/lock", "trainer-1-key", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("release: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/sessions/"+s.ID+"/lock", "trainer-1-key", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second release: expected 409, got %d", rec.Code)
	}
}

func TestStaleEditIsResolvedByAutoMerge(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	s := env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(9, 0), 60)

	first := env.do(t, http.MethodPatch, "/sessions/"+s.ID, "trainer-1-key", map[string]any{
		"expectedVersion": 1,
		"location":        "Studio B",
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first edit: expected 200, got %d: %s", first.Code, first.Body.String())
	}

	stale := env.do(t, http.MethodPatch, "/sessions/"+s.ID, "trainer-2-key", map[string]any{
		"expectedVersion": 1,
		"notes":           "bring mats",
	})
	if stale.Code != http.StatusConflict {
		t.Fatalf("stale edit: expected 409, got %d: %s", stale.Code, stale.Body.String())
	}
	conflict := decodeJSON[versionConflictResponse](t, stale)
	if conflict.ErrorCode != "VERSION_CONFLICT" || conflict.ConflictID == "" || conflict.CurrentVersion != 2 {
		t.Fatalf("unexpected version conflict body %+v", conflict)
	}

	pending := decodeJSON[[]collaboration.PendingConflict](t, env.do(t, http.MethodGet, "/conflicts", "trainer-2-key", nil))
	if len(pending) != 1 || pending[0].ID != conflict.ConflictID {
		t.Fatalf("expected the pending conflict to be listed, got %+v", pending)
	}
	if rec := env.do(t, http.MethodPost, "/conflicts/"+conflict.ConflictID+"/resolve", "client-1-key", map[string]string{"policy": "merge"}); rec.Code != http.StatusForbidden {
		t.Fatalf("uninvolved actor: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/conflicts/"+conflict.ConflictID+"/resolve", "trainer-2-key", map[string]string{"policy": "newest"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown policy: expected 422, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/conflicts/"+conflict.ConflictID+"/resolve", "trainer-2-key", map[string]string{"policy": "auto-merge"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	outcome := decodeJSON[collaboration.Outcome](t, rec)
	if outcome.Decision != collaboration.DecisionMerged || outcome.Session == nil || outcome.Session.Version != 3 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Session.Location != "Studio B" || outcome.Session.Notes != "bring mats" {
		t.Fatalf("merge lost a field: %+v", outcome.Session)
	}
	if rec := env.do(t, http.MethodPost, "/conflicts/"+conflict.ConflictID+"/resolve", "trainer-2-key", map[string]string{"policy": "auto-merge"}); rec.Code != http.StatusNotFound {
		t.Fatalf("resolved conflict: expected 404, got %d", rec.Code)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	s := env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(9, 0), 60)

	booked := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/book", "client-1-key", nil)
	if booked.Code != http.StatusOK {
		t.Fatalf("book: expected 200, got %d: %s", booked.Code, booked.Body.String())
	}
	if got := decodeJSON[scheduler.Session](t, booked); got.Status != scheduler.StatusScheduled || got.Resources.ClientID != "client-1" {
		t.Fatalf("unexpected booked session %+v", got)
	}

	if rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/confirm", "client-1-key", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("client confirm: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/complete", "trainer-1-key", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("complete before start: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/cancel", "client-1-key", map[string]any{"reason": "sick"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cancelled := decodeJSON[scheduler.Session](t, rec)
	if cancelled.Status != scheduler.StatusCancelled || cancelled.Charge != scheduler.ChargeNone {
		t.Fatalf("expected a free cancellation more than a day ahead, got %+v", cancelled)
	}
	if rec := env.do(t, http.MethodPost, "/sessions/"+s.ID+"/book", "client-1-key", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("book after cancel: expected 422, got %d", rec.Code)
	}
}

func TestCreateValidationAndNotFound(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/sessions", "trainer-1-key", map[string]any{"trainerId": "trainer-1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing start: expected 422, got %d", rec.Code)
	}
	if body := decodeJSON[errorResponse](t, rec); body.Errors["startTime"] == "" {
		t.Fatalf("expected a startTime field error, got %+v", body)
	}
	if rec := env.do(t, http.MethodPost, "/sessions", "trainer-1-key", map[string]any{"unknown": true}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/sessions/missing", "trainer-1-key", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/sessions?from=yesterday", "trainer-1-key", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad from: expected 400, got %d", rec.Code)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	a := env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(9, 0), 60)
	env.createSession(t, "trainer-2-key", "trainer-2", tomorrow(9, 0), 60)

	rec := env.do(t, http.MethodGet, "/sessions?trainerId=trainer-1&status=available", "client-1-key", nil)
	list := decodeJSON[sessionListResponse](t, rec)
	if list.Count != 1 || list.Sessions[0].ID != a.ID {
		t.Fatalf("expected only trainer-1's session, got %+v", list)
	}

	if rec := env.do(t, http.MethodDelete, "/sessions/"+a.ID+"?expectedVersion=7", "trainer-1-key", nil); rec.Code != http.StatusConflict {
		t.Fatalf("stale delete: expected 409, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/sessions/"+a.ID+"?expectedVersion="+strconv.FormatInt(a.Version, 10), "trainer-1-key", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/sessions/"+a.ID, "trainer-1-key", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted session: expected 404, got %d", rec.Code)
	}
}

func TestCheckConflictsEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	env.createSession(t, "trainer-1-key", "trainer-1", tomorrow(10, 0), 60)

	rec := env.do(t, http.MethodPost, "/conflicts/check", "client-1-key", map[string]any{
		"startTime": tomorrow(10, 30),
		"endTime":   tomorrow(11, 30),
		"trainerId": "trainer-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("check: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON[checkResponse](t, rec)
	if !body.HasConflicts || len(body.Conflicts) != 1 || body.Conflicts[0].Kind != scheduler.ConflictTrainer {
		t.Fatalf("unexpected check response %+v", body)
	}

	free := decodeJSON[checkResponse](t, env.do(t, http.MethodPost, "/conflicts/check", "client-1-key", map[string]any{
		"startTime": tomorrow(11, 0),
		"endTime":   tomorrow(12, 0),
		"trainerId": "trainer-1",
	}))
	if free.HasConflicts || len(free.Alternatives) != 0 {
		t.Fatalf("back to back slot must be free, got %+v", free)
	}
}

func TestSeriesEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	rule := map[string]any{
		"startDate":  "2024-03-04",
		"endDate":    "2024-03-20",
		"daysOfWeek": []int{int(time.Monday), int(time.Wednesday)},
		"times":      []string{"18:00"},
		"duration":   60,
		"trainerId":  "trainer-1",
	}

	rec := env.do(t, http.MethodPost, "/series", "trainer-1-key", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create series: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[application.SeriesResult](t, rec)
	if len(created.SessionIDs) != 6 {
		t.Fatalf("expected six occurrences, got %+v", created)
	}

	clash := env.do(t, http.MethodPost, "/series", "trainer-1-key", rule)
	if clash.Code != http.StatusConflict {
		t.Fatalf("duplicate series: expected 409, got %d", clash.Code)
	}
	if body := decodeJSON[batchConflictResponse](t, clash); len(body.Occurrences) != 6 {
		t.Fatalf("expected every occurrence reported, got %d", len(body.Occurrences))
	}

	invalid := map[string]any{
		"startDate":  "2024-03-20",
		"endDate":    "2024-03-04",
		"daysOfWeek": []int{9},
		"times":      []string{"25:00"},
		"duration":   60,
		"trainerId":  "trainer-1",
	}
	bad := env.do(t, http.MethodPost, "/series", "trainer-1-key", invalid)
	if bad.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid rule: expected 422, got %d: %s", bad.Code, bad.Body.String())
	}
	if body := decodeJSON[errorResponse](t, bad); body.ErrorCode != "INVALID_RULE" || len(body.Errors) < 2 {
		t.Fatalf("expected rule problems, got %+v", body)
	}

	view := decodeJSON[application.SeriesView](t, env.do(t, http.MethodGet, "/series/"+created.GroupID, "client-1-key", nil))
	if len(view.Sessions) != 6 || view.Times[0] != "18:00" {
		t.Fatalf("unexpected series view %+v", view)
	}

	patched := env.do(t, http.MethodPatch, "/series/"+created.GroupID, "trainer-1-key", map[string]any{"location": "Studio C"})
	if patched.Code != http.StatusOK {
		t.Fatalf("update series: expected 200, got %d: %s", patched.Code, patched.Body.String())
	}
	if result := decodeJSON[application.SeriesUpdateResult](t, patched); len(result.Updated) != 6 {
		t.Fatalf("unexpected update result %+v", result)
	}

	removed := env.do(t, http.MethodDelete, "/series/"+created.GroupID+"?deleteAll=true", "trainer-1-key", nil)
	if removed.Code != http.StatusOK {
		t.Fatalf("delete series: expected 200, got %d", removed.Code)
	}
	if rec := env.do(t, http.MethodGet, "/series/"+created.GroupID, "trainer-1-key", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted series: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/series/"+created.GroupID+"?deleteAll=maybe", "trainer-1-key", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad deleteAll: expected 400, got %d", rec.Code)
	}
}

func TestActorEndpoints(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)

	me := decodeJSON[collaboration.Identity](t, env.do(t, http.MethodGet, "/actors/me", "trainer-1-key", nil))
	if me.ID != "trainer-1" || me.Role != scheduler.RoleTrainer {
		t.Fatalf("unexpected identity %+v", me)
	}

	input := map[string]string{"id": "client-2", "displayName": "Client Two", "role": "client"}
	if rec := env.do(t, http.MethodPost, "/actors", "trainer-1-key", input); rec.Code != http.StatusForbidden {
		t.Fatalf("trainer creating actors: expected 403, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/actors", "admin-1-key", input)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create actor: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	creds := decodeJSON[application.ActorCredentials](t, rec)
	if creds.AccessKey == "" || creds.Actor.ID != "client-2" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if rec := env.do(t, http.MethodPost, "/actors", "admin-1-key", input); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate actor: expected 409, got %d", rec.Code)
	}

	actors := decodeJSON[[]application.ActorView](t, env.do(t, http.MethodGet, "/actors", "client-1-key", nil))
	if len(actors) != 5 {
		t.Fatalf("expected five actors, got %d", len(actors))
	}
	if rec := env.do(t, http.MethodDelete, "/actors/client-2", "admin-1-key", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete actor: expected 204, got %d", rec.Code)
	}
}

func TestJoinAndPresence(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/collaboration/join", "trainer-1-key", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	joined := decodeJSON[joinResponse](t, rec)
	if joined.Token == "" || joined.Presence.Actor.ID != "trainer-1" {
		t.Fatalf("unexpected join response %+v", joined)
	}

	presences := decodeJSON[[]collaboration.Presence](t, env.do(t, http.MethodGet, "/collaboration/presence", "client-1-key", nil))
	if len(presences) != 1 || presences[0].State != collaboration.Connected {
		t.Fatalf("expected one connected presence, got %+v", presences)
	}

	if rec := env.do(t, http.MethodPost, "/collaboration/activity", "trainer-1-key", map[string]string{"activity": "dancing"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad activity: expected 422, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/collaboration/activity", "trainer-1-key", map[string]string{"activity": "viewing", "sessionId": "s-1"}); rec.Code != http.StatusNoContent {
		t.Fatalf("activity: expected 204, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/collaboration/leave", "trainer-2-key", map[string]string{"token": joined.Token}); rec.Code != http.StatusForbidden {
		t.Fatalf("leave with a foreign token: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/collaboration/leave", "trainer-1-key", map[string]string{"token": joined.Token}); rec.Code != http.StatusNoContent {
		t.Fatalf("leave: expected 204, got %d", rec.Code)
	}
	if left := env.coord.Presences(); len(left) != 0 {
		t.Fatalf("expected no presences after leave, got %+v", left)
	}
}
