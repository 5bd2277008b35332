// Package http exposes the scheduling engine over JSON and a websocket.
//
// Every route except GET /healthz and the websocket requires an access key presented as
// "Authorization: Bearer <actorID>.<secret>".
//
//   - POST /sessions, GET /sessions?from&to&trainerId&clientId&groupId&status: create one
//     session or list sessions overlapping a window.
//   - GET, PATCH, DELETE /sessions/{id}: read, edit with expectedVersion, or delete
//     (?expectedVersion optional). PATCH and reschedule accept "conflictOverride" for admins.
//   - POST /sessions/{id}/reschedule|book|confirm|complete|cancel: lifecycle transitions.
//   - GET /sessions/{id}/overrides: audit entries for admin overrides.
//   - POST, DELETE /sessions/{id}/lock and POST /sessions/{id}/lock/renew: advisory edit locks.
//     A denied lock answers 423 with the owner and expiry.
//   - POST /conflicts/check: dry run conflict detection with alternatives.
//   - GET /conflicts, POST /conflicts/{conflictId}/resolve: version races awaiting a policy
//     (last-write-wins, first-write-wins, auto-merge, manual-review).
//   - POST /series, GET, PATCH, DELETE /series/{groupId}?deleteAll: recurring groups.
//   - POST, GET /actors, GET /actors/me, POST /actors/{id}/rotate-key, DELETE /actors/{id}.
//   - POST /collaboration/join returns a presence token; GET /collaboration/ws?token= upgrades
//     it to a websocket carrying deltas, presence, lock and conflict events.
//
// Double bookings answer 409 with {"conflicts","alternatives"}; stale versions answer 409 with
// error_code VERSION_CONFLICT and the conflictId to resolve.
package http
