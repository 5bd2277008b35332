package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// CreateSeries expands a recurring rule and commits its occurrences as one batch. The rule is
// stored first so the group can be edited later; it is removed again if nothing was created.
func (s *SessionService) CreateSeries(ctx context.Context, principal scheduler.Actor, input SeriesInput) (result SeriesResult, err error) {
	logger := s.loggerWith(ctx, "create_series", "actor_id", principal.ID)
	defer func() {
		logOutcome(ctx, logger, err, "series create",
			"group_id", result.GroupID,
			"created", len(result.SessionIDs),
			"skipped", len(result.Skipped),
		)
	}()

	if !principal.Role.Manages() {
		return SeriesResult{}, ErrUnauthorized
	}
	if input.ConflictOverride && principal.Role != scheduler.RoleAdmin {
		return SeriesResult{}, fmt.Errorf("%w: only admins may override conflicts", ErrUnauthorized)
	}
	if vErr := validateStruct(input); vErr != nil {
		return SeriesResult{}, vErr
	}
	rule, err := ruleFromInput(input)
	if err != nil {
		return SeriesResult{}, err
	}
	rule.GroupID = s.newID()

	expanded, err := s.expander.Expand(rule)
	if err != nil {
		return SeriesResult{}, err
	}
	if len(expanded.Drafts) == 0 {
		return SeriesResult{}, &recurrence.RuleError{Problems: map[string]string{
			"daysOfWeek": "no selected weekday falls between startDate and endDate",
		}}
	}

	if s.series != nil {
		if err := s.series.CreateSeries(ctx, seriesRow(rule, expanded.TruncatedBy, principal.ID, s.now().UTC())); err != nil {
			return SeriesResult{}, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
		}
	}

	drafts := make([]scheduler.Draft, 0, len(expanded.Drafts))
	for _, d := range expanded.Drafts {
		drafts = append(drafts, schedulerDraft(d))
	}
	batch, err := s.store.CreateMany(ctx, drafts, scheduler.CreateOptions{
		Actor:           principal,
		Stamp:           s.store.Sequencer().Next(),
		Override:        input.ConflictOverride,
		Reason:          input.Reason,
		SkipConflicting: input.SkipConflicting,
	})
	if err == nil && len(batch.Created) == 0 {
		err = &scheduler.BatchConflictError{Conflicts: batch.Skipped}
	}
	if err != nil {
		s.forgetSeries(ctx, rule.GroupID)
		return SeriesResult{}, err
	}

	result = SeriesResult{
		GroupID:     rule.GroupID,
		SessionIDs:  make([]string, 0, len(batch.Created)),
		TruncatedBy: expanded.TruncatedBy,
	}
	for _, created := range batch.Created {
		result.SessionIDs = append(result.SessionIDs, created.ID)
	}
	for _, skipped := range batch.Skipped {
		result.Skipped = append(result.Skipped, SkippedOccurrence{
			Start:  skipped.Draft.Start,
			End:    skipped.Draft.Start.Add(time.Duration(skipped.Draft.DurationMinutes) * time.Minute),
			Report: skipped.Report,
		})
	}
	return result, nil
}

func (s *SessionService) forgetSeries(ctx context.Context, groupID string) {
	if s.series == nil {
		return
	}
	if err := s.series.DeleteSeries(ctx, groupID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.loggerWith(ctx, "forget_series", "group_id", groupID).WarnContext(ctx, "series cleanup failed", "error", err)
	}
}

func ruleFromInput(input SeriesInput) (recurrence.Rule, error) {
	problems := map[string]string{}
	start, err := time.Parse(time.DateOnly, strings.TrimSpace(input.StartDate))
	if err != nil {
		problems["startDate"] = "must be YYYY-MM-DD"
	}
	end, err := time.Parse(time.DateOnly, strings.TrimSpace(input.EndDate))
	if err != nil {
		problems["endDate"] = "must be YYYY-MM-DD"
	}
	trainer := strings.TrimSpace(input.TrainerID)
	client := strings.TrimSpace(input.ClientID)
	if trainer == "" && client == "" {
		problems["trainerId"] = "a trainer or a client is required"
	}
	if input.Blocked && client != "" {
		problems["clientId"] = "must be empty for blocked holds"
	}
	if len(problems) > 0 {
		return recurrence.Rule{}, &recurrence.RuleError{Problems: problems}
	}

	days := make([]time.Weekday, 0, len(input.DaysOfWeek))
	for _, d := range input.DaysOfWeek {
		days = append(days, time.Weekday(d))
	}
	rule := recurrence.Rule{
		StartDate:       start,
		EndDate:         end,
		DaysOfWeek:      days,
		Times:           input.Times,
		DurationMinutes: input.DurationMinutes,
		OffsetMinutes:   input.TimezoneOffsetMinutes,
		TrainerID:       trainer,
		ClientID:        client,
		Location:        strings.TrimSpace(input.Location),
		SessionType:     strings.TrimSpace(input.SessionType),
		Blocked:         input.Blocked,
	}
	if input.Blocked {
		rule.BlockReason = input.Reason
	}
	return rule, nil
}

func schedulerDraft(d recurrence.Draft) scheduler.Draft {
	draft := scheduler.Draft{
		Resources:       scheduler.ResourceRefs{TrainerID: d.TrainerID, ClientID: d.ClientID},
		Start:           d.Start,
		DurationMinutes: d.DurationMinutes,
		Location:        d.Location,
		SessionType:     d.SessionType,
		GroupID:         d.GroupID,
	}
	if d.Blocked {
		draft.Status = scheduler.StatusBlocked
		draft.BlockReason = d.BlockReason
	}
	return draft
}

func seriesRow(rule recurrence.Rule, truncated recurrence.Truncation, createdBy string, now time.Time) persistence.RecurringSeries {
	return persistence.RecurringSeries{
		ID:              rule.GroupID,
		TrainerID:       rule.TrainerID,
		ClientID:        rule.ClientID,
		StartDate:       rule.StartDate,
		EndDate:         rule.EndDate,
		Weekdays:        rule.DaysOfWeek,
		Times:           rule.Times,
		DurationMinutes: rule.DurationMinutes,
		OffsetMinutes:   rule.OffsetMinutes,
		Location:        rule.Location,
		SessionType:     rule.SessionType,
		Blocked:         rule.Blocked,
		BlockReason:     rule.BlockReason,
		TruncatedBy:     string(truncated),
		CreatedBy:       createdBy,
		CreatedAt:       now,
	}
}

// GetSeries returns a stored rule with the sessions still in its group.
func (s *SessionService) GetSeries(ctx context.Context, groupID string) (SeriesView, error) {
	sessions := s.store.SessionsInGroup(groupID)
	view := SeriesView{GroupID: groupID, Sessions: sessions, DaysOfWeek: []int{}, Times: []string{}}
	if s.series == nil {
		if len(sessions) == 0 {
			return SeriesView{}, ErrNotFound
		}
		return view, nil
	}
	row, err := s.series.GetSeries(ctx, groupID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		if len(sessions) == 0 {
			return SeriesView{}, ErrNotFound
		}
		return view, nil
	case err != nil:
		return SeriesView{}, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
	}
	view.StartDate = row.StartDate.Format(time.DateOnly)
	view.EndDate = row.EndDate.Format(time.DateOnly)
	for _, d := range row.Weekdays {
		view.DaysOfWeek = append(view.DaysOfWeek, int(d))
	}
	view.Times = append(view.Times, row.Times...)
	view.DurationMinutes = row.DurationMinutes
	view.TrainerID = row.TrainerID
	view.ClientID = row.ClientID
	view.Location = row.Location
	view.TimezoneOffsetMinutes = row.OffsetMinutes
	view.SessionType = row.SessionType
	view.Blocked = row.Blocked
	view.Reason = row.BlockReason
	view.TruncatedBy = row.TruncatedBy
	view.CreatedBy = row.CreatedBy
	view.CreatedAt = row.CreatedAt
	return view, nil
}

// UpdateSeries applies one edit to every future, non-terminal occurrence of a group. The
// occurrences are checked against the schedule and against each other's new times, then written
// together. Any conflict fails the whole update unless an admin overrides.
func (s *SessionService) UpdateSeries(ctx context.Context, principal scheduler.Actor, groupID string, input SeriesPatchInput) (result SeriesUpdateResult, err error) {
	logger := s.loggerWith(ctx, "update_series", "actor_id", principal.ID, "group_id", groupID)
	defer func() {
		logOutcome(ctx, logger, err, "series update", "updated", len(result.Updated))
	}()

	if !principal.Role.Manages() {
		return SeriesUpdateResult{}, ErrUnauthorized
	}
	if input.ConflictOverride && principal.Role != scheduler.RoleAdmin {
		return SeriesUpdateResult{}, fmt.Errorf("%w: only admins may override conflicts", ErrUnauthorized)
	}
	if vErr := validateStruct(input); vErr != nil {
		return SeriesUpdateResult{}, vErr
	}
	if input.empty() {
		vErr := &ValidationError{}
		vErr.add("body", "at least one field must be changed")
		return SeriesUpdateResult{}, vErr
	}

	members := s.store.SessionsInGroup(groupID)
	if len(members) == 0 {
		return SeriesUpdateResult{}, ErrNotFound
	}
	offset, err := s.seriesOffset(ctx, groupID)
	if err != nil {
		return SeriesUpdateResult{}, err
	}

	now := s.now().UTC()
	var plan []scheduler.PlannedChange
	for _, member := range members {
		if member.Start.Before(now) || member.Status.Terminal() {
			continue
		}
		patch, err := seriesPatch(member, input, offset)
		if err != nil {
			return SeriesUpdateResult{}, err
		}
		if err := s.coordinator.CheckEditable(ctx, member.ID, principal.ID); err != nil {
			return SeriesUpdateResult{}, err
		}
		plan = append(plan, scheduler.PlannedChange{
			ID:              member.ID,
			ExpectedVersion: member.Version,
			Transition:      scheduler.Update{Patch: patch},
		})
	}

	updated, err := s.store.MutateMany(ctx, plan, principal, s.store.Sequencer().Next(), input.ConflictOverride, input.Reason)
	var conflicts *scheduler.MutateConflictError
	if errors.As(err, &conflicts) {
		return SeriesUpdateResult{}, &SeriesConflictError{Reports: conflicts.Reports}
	}
	if err != nil {
		return SeriesUpdateResult{}, err
	}
	return SeriesUpdateResult{GroupID: groupID, Updated: updated}, nil
}

func (s *SessionService) seriesOffset(ctx context.Context, groupID string) (int, error) {
	if s.series == nil {
		return 0, nil
	}
	row, err := s.series.GetSeries(ctx, groupID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
	}
	return row.OffsetMinutes, nil
}

func seriesPatch(member scheduler.Session, input SeriesPatchInput, offset int) (scheduler.Patch, error) {
	patch := scheduler.Patch{
		DurationMinutes: input.DurationMinutes,
		Location:        input.Location,
		Notes:           input.Notes,
	}
	if input.TrainerID != nil {
		trainer := strings.TrimSpace(*input.TrainerID)
		patch.TrainerID = &trainer
	}
	if input.Time != nil {
		start, err := recurrence.Retime(member.Start, *input.Time, offset)
		if err != nil {
			return scheduler.Patch{}, err
		}
		patch.Start = &start
	}
	return patch, nil
}

// DeleteSeries removes a group's sessions that have not started yet, or all of them when
// deleteAll is set. The stored rule is removed only with deleteAll.
func (s *SessionService) DeleteSeries(ctx context.Context, principal scheduler.Actor, groupID string, deleteAll bool) (result SeriesDeleteResult, err error) {
	logger := s.loggerWith(ctx, "delete_series", "actor_id", principal.ID, "group_id", groupID)
	defer func() {
		logOutcome(ctx, logger, err, "series delete", "deleted", len(result.Deleted), "all", deleteAll)
	}()

	if !principal.Role.Manages() {
		return SeriesDeleteResult{}, ErrUnauthorized
	}
	members := s.store.SessionsInGroup(groupID)
	if len(members) == 0 && !deleteAll {
		return SeriesDeleteResult{}, ErrNotFound
	}

	now := s.now().UTC()
	ids := make([]string, 0, len(members))
	for _, member := range members {
		if !deleteAll && member.Start.Before(now) {
			continue
		}
		if err := s.coordinator.CheckEditable(ctx, member.ID, principal.ID); err != nil {
			return SeriesDeleteResult{}, err
		}
		ids = append(ids, member.ID)
	}

	deleted := []string{}
	if len(ids) > 0 {
		if deleted, err = s.store.DeleteMany(ctx, ids, principal); err != nil {
			return SeriesDeleteResult{}, err
		}
	}
	if deleteAll && s.series != nil {
		err := s.series.DeleteSeries(ctx, groupID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			if len(members) == 0 {
				return SeriesDeleteResult{}, ErrNotFound
			}
		case err != nil:
			return SeriesDeleteResult{}, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
		}
	} else if deleteAll && len(members) == 0 {
		return SeriesDeleteResult{}, ErrNotFound
	}
	return SeriesDeleteResult{GroupID: groupID, Deleted: deleted, Kept: len(members) - len(deleted)}, nil
}
