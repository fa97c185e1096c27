package referrals

import "strings"

// DisplayName derives the name a contact is tallied under.
//
//	"Jane Doe"                 personal name only
//	"Jane Doe (Acme Clinic)"   personal and company name
//	"Acme Clinic"              company name only
//
// The second return value is false when the contact has neither.
func (c Contact) DisplayName() (string, bool) {
	first := strings.TrimSpace(c.FirstName)
	last := strings.TrimSpace(c.LastName)
	company := strings.TrimSpace(c.CompanyName)

	personal := strings.TrimSpace(first + " " + last)

	switch {
	case personal != "" && company != "":
		return personal + " (" + company + ")", true
	case personal != "":
		return personal, true
	case company != "":
		return company, true
	default:
		return "", false
	}
}
