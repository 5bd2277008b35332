package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/studio-scheduler/internal/recurrence"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(values []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", v)
		}
		days = append(days, day)
	}
	return days, nil
}

type expandOutput struct {
	Occurrences []expandedOccurrence  `json:"occurrences"`
	Count       int                   `json:"count"`
	TruncatedBy recurrence.Truncation `json:"truncatedBy"`
}

type expandedOccurrence struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// newExpandCommand previews a recurrence rule without touching storage.
func newExpandCommand() *cobra.Command {
	var (
		startDate, endDate string
		days, times        []string
		duration, offset   int
		maxOcc, maxMonths  int
	)
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Preview the occurrences a recurrence rule produces",
		Example: `  scheduler expand --start 2024-03-04 --end 2024-03-31 --days mon,wed \
    --times 09:00,18:00 --duration 60 --offset 540`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule := recurrence.Rule{Times: times, DurationMinutes: duration, OffsetMinutes: offset}
			var err error
			if rule.StartDate, err = time.Parse(time.DateOnly, startDate); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if rule.EndDate, err = time.Parse(time.DateOnly, endDate); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if rule.DaysOfWeek, err = parseWeekdays(days); err != nil {
				return fmt.Errorf("--days: %w", err)
			}

			result, err := recurrence.NewExpander(recurrence.Options{MaxOccurrences: maxOcc, MaxMonths: maxMonths}).Expand(rule)
			if err != nil {
				return err
			}
			out := expandOutput{
				Occurrences: make([]expandedOccurrence, 0, len(result.Drafts)),
				Count:       len(result.Drafts),
				TruncatedBy: result.TruncatedBy,
			}
			for _, d := range result.Drafts {
				out.Occurrences = append(out.Occurrences, expandedOccurrence{Start: d.Start, End: d.End()})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&startDate, "start", "", "first date, YYYY-MM-DD")
	flags.StringVar(&endDate, "end", "", "last date, YYYY-MM-DD")
	flags.StringSliceVar(&days, "days", nil, "weekdays, e.g. mon,wed,fri")
	flags.StringSliceVar(&times, "times", nil, "wall-clock start times, e.g. 09:00,18:00")
	flags.IntVar(&duration, "duration", 60, "occurrence length in minutes")
	flags.IntVar(&offset, "offset", 0, "UTC offset of the wall-clock times in minutes")
	flags.IntVar(&maxOcc, "max-occurrences", recurrence.DefaultMaxOccurrences, "occurrence cap")
	flags.IntVar(&maxMonths, "max-months", recurrence.DefaultMaxMonths, "span cap in months")
	for _, name := range []string{"start", "end", "days", "times"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
