package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"weightsync/internal/database"
	"weightsync/internal/withings"
	"weightsync/internal/wsync"
)

const timeLayout = "2006-01-02 15:04:05"

// serviceError names the service a failed command was talking to, so the
// message printed for a *wsync.Error can point at the right setup command.
type serviceError struct {
	service string
	err     error
}

func (e *serviceError) Error() string { return e.err.Error() }
func (e *serviceError) Unwrap() error { return e.err }

func withService(service string, err error) error {
	if err == nil {
		return nil
	}
	return &serviceError{service: service, err: err}
}

// errorMessage is what main prints for a failed command.
func errorMessage(err error) string {
	service := "withings"
	var se *serviceError
	if errors.As(err, &se) {
		service = se.service
	}
	if e, ok := wsync.AsError(err); ok {
		return e.UserMessage(service)
	}
	return "Error: " + err.Error()
}

func measureLabel(name string) string {
	s := strings.ReplaceAll(name, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// printGroup writes the date and every reading present in g.
func printGroup(w io.Writer, g wsync.MeasurementGroup) {
	fmt.Fprintln(w, g.Date.Format(timeLayout))
	for _, t := range withings.MeasureTypes {
		if v := withings.Reading(g, t.Code); v != nil {
			fmt.Fprintf(w, "%s: %s\n", measureLabel(t.Name), formatValue(*v))
		}
	}
}

func printGroups(w io.Writer, groups []wsync.MeasurementGroup) {
	for i, g := range groups {
		fmt.Fprintf(w, "--Group %d\n", i)
		printGroup(w, g)
		fmt.Fprintln(w)
	}
}

// printResult reports the outcome of sync or sync-preview.
func printResult(w io.Writer, res *wsync.Result, preview bool) {
	switch {
	case res.State == wsync.StateNothingNew:
		fmt.Fprintln(w, "There is no new measurement to sync.")
	case res.State == wsync.StateAlreadySynced:
		fmt.Fprintln(w, "Last measurement was already synced.")
	case preview:
		printGroups(w, res.Groups)
		fmt.Fprintf(w, "%d measurement group(s) would be uploaded to %s.\n", len(res.Groups), res.Destination)
	default:
		fmt.Fprintf(w, "%d measurement group(s) uploaded to %s.\n", res.Uploaded, res.Destination)
	}
	for _, x := range res.Excluded {
		fmt.Fprintf(w, "Skipped: %s\n", x.Error())
	}
}

// printRuns writes one line per sync run, newest first.
func printRuns(w io.Writer, runs []*database.SyncRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return
	}
	for _, r := range runs {
		duration := ""
		if r.Finished() {
			duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
		}
		fmt.Fprintf(w, "#%d  %-12s  %-8s  %s  %-14s  %d  %s\n",
			r.ID,
			r.Command,
			r.Destination,
			r.StartedAt.Format(timeLayout),
			r.Status,
			r.Uploaded,
			duration,
		)
		if r.ErrorMessage != "" {
			fmt.Fprintf(w, "    %s: %s\n", r.ErrorKind, r.ErrorMessage)
		}
	}
}

func printExcluded(w io.Writer, runID int64, items []database.ExcludedItem) {
	fmt.Fprintf(w, "Run #%d skipped:\n", runID)
	for _, it := range items {
		kind := "retry later"
		if it.Permanent {
			kind = "permanent"
		}
		if it.ReasonKind != "" {
			kind += ", " + it.ReasonKind
		}
		fmt.Fprintf(w, "    item %s: %s (%s)\n", it.ItemID, it.Message, kind)
	}
}
