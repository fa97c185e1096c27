// Package referrals holds the patient and contact data model and the
// aggregation engine that tallies patients per referring doctor.
package referrals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is an upstream record identifier. The API serializes 64-bit ids as
// JSON strings; bare numbers are accepted as well.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

// Patient is a primary record from the paginated patients listing.
type Patient struct {
	ID              ID         `json:"id"`
	FirstName       string     `json:"first_name,omitempty"`
	LastName        string     `json:"last_name,omitempty"`
	ReferringDoctor *Reference `json:"referring_doctor,omitempty"`

	// ReferralSource is free text entered by staff. It is not used for
	// aggregation because it is not linked to a contact.
	ReferralSource string `json:"referral_source,omitempty"`
}

// Reference is a linked resource as returned by the upstream API.
type Reference struct {
	Links struct {
		Self string `json:"self,omitempty"`
	} `json:"links"`
}

// DoctorLink returns the URL of the patient's referring doctor contact,
// or "" when the patient has none.
func (p Patient) DoctorLink() string {
	if p.ReferringDoctor == nil {
		return ""
	}
	return strings.TrimSpace(p.ReferringDoctor.Links.Self)
}

// PatientsPage is one page of the patients listing endpoint.
type PatientsPage struct {
	Patients     []Patient `json:"patients"`
	TotalEntries int       `json:"total_entries"`
	Links        struct {
		Next string `json:"next,omitempty"`
	} `json:"links"`
}

// HasNext reports whether the upstream declared a following page.
func (p PatientsPage) HasNext() bool {
	return p.Links.Next != ""
}

// Contact is a secondary record describing a referring doctor.
type Contact struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// Outcome classifies how a contact lookup was served.
type Outcome string

const (
	// OutcomeHit means the contact was already cached for this run.
	OutcomeHit Outcome = "hit"

	// OutcomeFetched means the contact was fetched from the upstream.
	OutcomeFetched Outcome = "fetched"

	// OutcomeFailed means the contact could not be resolved.
	OutcomeFailed Outcome = "failed"
)

// Lookup is the result of resolving a doctor link. Contact is only
// meaningful when OK returns true.
type Lookup struct {
	Contact Contact
	Outcome Outcome
	Err     error
}

// OK reports whether the lookup produced a contact.
func (l Lookup) OK() bool {
	return l.Outcome == OutcomeHit || l.Outcome == OutcomeFetched
}

// Resolver resolves doctor links into contacts.
type Resolver interface {
	Resolve(ctx context.Context, url string) Lookup
}
