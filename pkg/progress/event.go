// Package progress streams the phases of an aggregation run to a single
// subscriber.
package progress

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
)

// Phase is a named stage of one aggregation run.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Terminal reports whether no event may follow this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Counters carry in-phase progress. Current and Total never decrease
// within a phase.
type Counters struct {
	Current        int  `json:"current"`
	Total          int  `json:"total"`
	ContactLookups *int `json:"contactLookups,omitempty"`
}

// Debug holds the contact lookup counters of a run.
type Debug struct {
	ContactFetchSuccess int `json:"contactFetchSuccess"`
	ContactFetchFailed  int `json:"contactFetchFailed"`
	ContactCacheHits    int `json:"contactCacheHits"`
}

// Summary is the result payload of a run.
type Summary struct {
	TotalPatients           int                     `json:"totalPatients"`
	PatientsWithKnownDoctor int                     `json:"patientsWithKnownDoctor"`
	ReferringDoctors        []referrals.DoctorCount `json:"referringDoctors"`
	Debug                   Debug                   `json:"debug"`
}

// Event is one message of the stream. Counters are set on fetching and
// processing events, Summary on complete events and, when partial results
// are enabled, on error events.
type Event struct {
	Phase   Phase  `json:"phase"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message,omitempty"`
	Success *bool  `json:"success,omitempty"`

	*Counters
	*Summary

	Error   string `json:"error,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// Encode writes the event in server-sent events framing.
func Encode(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
