package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"weightsync/internal/database"
	"weightsync/internal/wsync"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "blocked account names the setup command",
			err:  withService("garmin", fmt.Errorf("login: %w", wsync.AccountBlocked(wsync.KindLocked, "account locked"))),
			want: "garmin: account locked. Automated sync is suspended; fix the account and run `wsync setup garmin`",
		},
		{
			name: "transient failure",
			err:  withService("smashrun", wsync.ServiceError(wsync.KindUpload, "upload rejected", nil)),
			want: "smashrun: upload rejected. Nothing was changed",
		},
		{
			name: "source failure during a destination sync names withings",
			err:  withService("garmin", wsync.AccountBlocked(wsync.KindAuthorization, "refresh token revoked").WithService("withings")),
			want: "withings: refresh token revoked. Automated sync is suspended; fix the account and run `wsync setup withings`",
		},
		{
			name: "source errors default to withings",
			err:  wsync.ServiceBlocked(wsync.KindNotConfigured, "Withings is not set up"),
			want: "withings: Withings is not set up.",
		},
		{
			name: "plain error",
			err:  errors.New("reading config: no such file"),
			want: "Error: reading config: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorMessage(tt.err); !strings.HasPrefix(got, tt.want) {
				t.Errorf("errorMessage() = %q, want prefix %q", got, tt.want)
			}
		})
	}

	if withService("garmin", nil) != nil {
		t.Error("withService(nil) should be nil")
	}
}

func TestPrintGroup(t *testing.T) {
	var buf bytes.Buffer
	printGroup(&buf, wsync.MeasurementGroup{
		Date:     time.Date(2018, 3, 4, 7, 15, 0, 0, time.UTC),
		Weight:   wsync.Float(80.1),
		FatRatio: wsync.Float(21.5),
		BoneMass: wsync.Float(3.2),
	})

	want := "2018-03-04 07:15:00\nWeight: 80.1\nFat ratio: 21.5\nBone mass: 3.2\n"
	if buf.String() != want {
		t.Errorf("printGroup() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestPrintResult(t *testing.T) {
	group := wsync.MeasurementGroup{Date: time.Date(2018, 3, 4, 7, 15, 0, 0, time.UTC), Weight: wsync.Float(80.1)}

	tests := []struct {
		name    string
		res     *wsync.Result
		preview bool
		want    []string
	}{
		{
			name: "nothing new",
			res:  &wsync.Result{Destination: "garmin", State: wsync.StateNothingNew},
			want: []string{"There is no new measurement to sync."},
		},
		{
			name: "already synced",
			res:  &wsync.Result{Destination: "smashrun", State: wsync.StateAlreadySynced},
			want: []string{"Last measurement was already synced."},
		},
		{
			name: "uploaded with exclusion",
			res: &wsync.Result{
				Destination: "garmin",
				State:       wsync.StateIdle,
				Uploaded:    2,
				Excluded:    []*wsync.ExcludeError{wsync.NewExclusion("7", "no weight", true, nil)},
			},
			want: []string{"2 measurement group(s) uploaded to garmin.", "Skipped: no weight (item 7)"},
		},
		{
			name:    "preview",
			res:     &wsync.Result{Destination: "garmin", State: wsync.StateTransforming, Groups: []wsync.MeasurementGroup{group}},
			preview: true,
			want:    []string{"--Group 0", "Weight: 80.1", "1 measurement group(s) would be uploaded to garmin."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printResult(&buf, tt.res, tt.preview)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("printResult() = %q, missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil)
	if buf.String() != "No sync runs recorded.\n" {
		t.Errorf("printRuns(nil) = %q", buf.String())
	}

	started := time.Date(2018, 3, 4, 7, 15, 0, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)
	buf.Reset()
	printRuns(&buf, []*database.SyncRun{{
		ID:           3,
		Command:      "sync",
		Destination:  "garmin",
		StartedAt:    started,
		FinishedAt:   &finished,
		Status:       "blocked",
		ErrorKind:    "locked",
		ErrorMessage: "account locked",
	}})
	for _, w := range []string{"#3", "sync", "garmin", "2018-03-04 07:15:00", "blocked", "1.5s", "locked: account locked"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("printRuns() = %q, missing %q", buf.String(), w)
		}
	}
}

func TestPrintExcluded(t *testing.T) {
	var buf bytes.Buffer
	printExcluded(&buf, 4, []database.ExcludedItem{
		{ItemID: "7", Message: "no weight", Permanent: true, ReasonKind: "data_insufficient"},
		{ItemID: "9", Message: "too new"},
	})
	want := "Run #4 skipped:\n    item 7: no weight (permanent, data_insufficient)\n    item 9: too new (retry later)\n"
	if buf.String() != want {
		t.Errorf("printExcluded() = %q, want %q", buf.String(), want)
	}
}
