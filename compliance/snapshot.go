package compliance

import (
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
)

// OrganizationSnapshot is the frozen copy of an organization's contact details
// bound to one report version. Later edits to the organization do not reach
// reports that were already created.
type OrganizationSnapshot struct {
	ReportID          ReportID  `json:"report_id"`
	Name              string    `json:"name"`
	OperatingName     string    `json:"operating_name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	ServiceAddress    string    `json:"service_address"`
	RecordsAddress    string    `json:"records_address"`
	HeadOfficeAddress string    `json:"head_office_address"`
	IsEdited          bool      `json:"is_edited"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SnapshotOf freezes an organization for a report.
func SnapshotOf(id ReportID, org Organization, at time.Time) OrganizationSnapshot {
	return OrganizationSnapshot{
		ReportID:          id,
		Name:              org.Name,
		OperatingName:     org.OperatingName,
		Email:             org.Email,
		Phone:             org.Phone,
		ServiceAddress:    org.ServiceAddress,
		RecordsAddress:    org.RecordsAddress,
		HeadOfficeAddress: org.HeadOfficeAddress,
		UpdatedAt:         at,
	}
}

// Missing lists the fields that block submission. The phone must parse as a
// valid North American number.
func (s OrganizationSnapshot) Missing() []string {
	var missing []string
	fields := []struct {
		name  string
		value string
	}{
		{"name", s.Name},
		{"operating_name", s.OperatingName},
		{"email", s.Email},
		{"phone", s.Phone},
		{"service_address", s.ServiceAddress},
		{"records_address", s.RecordsAddress},
		{"head_office_address", s.HeadOfficeAddress},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if strings.TrimSpace(s.Phone) != "" && !validPhone(s.Phone) {
		missing = append(missing, "phone")
	}
	return missing
}

func (s OrganizationSnapshot) Complete() bool { return len(s.Missing()) == 0 }

func validPhone(raw string) bool {
	num, err := libphonenumber.Parse(raw, "CA")
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(num)
}
