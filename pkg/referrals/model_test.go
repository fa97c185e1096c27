package referrals

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    ID
		wantErr bool
	}{
		{`"1234567890123456789"`, "1234567890123456789", false},
		{`1234567890123456789`, "1234567890123456789", false},
		{`7`, "7", false},
		{`null`, "", false},
		{`true`, "", true},
		{`{"id":1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id ID
			err := json.Unmarshal([]byte(tt.input), &id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if id != tt.want {
				t.Errorf("Unmarshal(%s) = %q, want %q", tt.input, id, tt.want)
			}
		})
	}
}

func TestPatient_StringIDRoundTrip(t *testing.T) {
	var p Patient
	if err := json.Unmarshal([]byte(`{"id":"99","referring_doctor":{"links":{"self":"https://x/contacts/1"}}}`), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.ID != "99" || p.DoctorLink() != "https://x/contacts/1" {
		t.Errorf("patient = %+v", p)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), `"id":"99"`) {
		t.Errorf("ids should be written as strings, got %s", out)
	}
}
