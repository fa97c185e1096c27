package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
)

func encodeOne(t *testing.T, emit func(e *Emitter)) (string, map[string]any) {
	t.Helper()
	e := NewEmitter("", 4)
	emit(e)

	var buf bytes.Buffer
	if err := Encode(&buf, <-e.Events()); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frame := buf.String()
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("bad SSE framing: %q", frame)
	}

	var fields map[string]any
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	return frame, fields
}

func TestEncode_Fetching(t *testing.T) {
	_, fields := encodeOne(t, func(e *Emitter) { _ = e.Fetching(0, 0) })

	if fields["phase"] != "fetching" {
		t.Errorf("phase = %v", fields["phase"])
	}
	// zero counters are still present on progress events
	for _, key := range []string{"current", "total"} {
		if v, ok := fields[key]; !ok || v != float64(0) {
			t.Errorf("%s = %v (present=%v), want 0", key, v, ok)
		}
	}
	for _, key := range []string{"contactLookups", "success", "totalPatients", "error"} {
		if _, ok := fields[key]; ok {
			t.Errorf("fetching event should not carry %q", key)
		}
	}
}

func TestEncode_ProcessingCarriesLookups(t *testing.T) {
	_, fields := encodeOne(t, func(e *Emitter) {
		_ = e.Fetching(0, 0)
		<-e.Events()
		_ = e.Processing(50, 120, 0)
	})

	if v, ok := fields["contactLookups"]; !ok || v != float64(0) {
		t.Errorf("contactLookups = %v (present=%v), want 0", v, ok)
	}
	if fields["current"] != float64(50) || fields["total"] != float64(120) {
		t.Errorf("counters = %v/%v", fields["current"], fields["total"])
	}
}

func TestEncode_Complete(t *testing.T) {
	_, fields := encodeOne(t, func(e *Emitter) {
		_ = e.Fetching(0, 0)
		<-e.Events()
		_ = e.Processing(0, 0, 0)
		<-e.Events()
		_ = e.Complete(Summary{
			TotalPatients:           3,
			PatientsWithKnownDoctor: 2,
			ReferringDoctors:        []referrals.DoctorCount{{Name: "Jane Doe", Count: 2}},
			Debug:                   Debug{ContactFetchSuccess: 1, ContactCacheHits: 1},
		})
	})

	if fields["success"] != true {
		t.Errorf("success = %v", fields["success"])
	}
	if fields["totalPatients"] != float64(3) || fields["patientsWithKnownDoctor"] != float64(2) {
		t.Errorf("counts = %v/%v", fields["totalPatients"], fields["patientsWithKnownDoctor"])
	}

	doctors, ok := fields["referringDoctors"].([]any)
	if !ok || len(doctors) != 1 {
		t.Fatalf("referringDoctors = %v", fields["referringDoctors"])
	}
	first := doctors[0].(map[string]any)
	if first["name"] != "Jane Doe" || first["value"] != float64(2) {
		t.Errorf("doctor = %v", first)
	}

	debug := fields["debug"].(map[string]any)
	if debug["contactFetchSuccess"] != float64(1) || debug["contactCacheHits"] != float64(1) || debug["contactFetchFailed"] != float64(0) {
		t.Errorf("debug = %v", debug)
	}
	if _, ok := fields["current"]; ok {
		t.Error("complete event should not carry current")
	}
}

func TestEncode_Error(t *testing.T) {
	frame, fields := encodeOne(t, func(e *Emitter) {
		_ = e.Fail(errors.New("fetch page 3: server error"), nil)
	})

	if fields["success"] != false {
		t.Errorf("success = %v", fields["success"])
	}
	if fields["error"] != "fetch page 3: server error" {
		t.Errorf("error = %v", fields["error"])
	}
	if strings.Contains(frame, "totalPatients") || strings.Contains(frame, "partial") {
		t.Errorf("error frame without partial result carries result fields: %s", frame)
	}
}

func TestEncode_ErrorWithPartial(t *testing.T) {
	_, fields := encodeOne(t, func(e *Emitter) {
		_ = e.Fail(errors.New("cancelled"), &Summary{TotalPatients: 10, PatientsWithKnownDoctor: 4})
	})

	if fields["partial"] != true {
		t.Errorf("partial = %v", fields["partial"])
	}
	if fields["totalPatients"] != float64(10) {
		t.Errorf("totalPatients = %v", fields["totalPatients"])
	}
}

func TestEncode_NilErrorMessage(t *testing.T) {
	_, fields := encodeOne(t, func(e *Emitter) { _ = e.Fail(nil, nil) })
	if fields["error"] != "Unknown error" {
		t.Errorf("error = %v", fields["error"])
	}
}
