package medicine

import (
	"strings"
	"time"

	"github.com/drfirst/go-medlabel/internal/normalize"
)

// Unknown fills descriptive fields that no source could provide.
const Unknown = "정보 없음"

// Medicine is one canonical drug record keyed by its identity.
type Medicine struct {
	ID               Identity
	Name             string
	Form             string
	DosageRoute      string
	ClassCode        string
	Manufacturer     string
	StorageRaw       string
	StorageContainer string
	Temperature      string
	Unit             string
	Effects          []string

	// User-overridable fields survive re-keying.
	CustomUsage   string
	UsagePriority int
	AutoPrint     bool

	Resolved  bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// Bohcode is set when the record was looked up through a billing code.
	Bohcode string
}

// UserFields is a partial update of the user-overridable fields.
type UserFields struct {
	CustomUsage   *string `json:"custom_usage,omitempty"`
	UsagePriority *int    `json:"usage_priority,omitempty"`
	AutoPrint     *bool   `json:"auto_print,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u UserFields) Empty() bool {
	return u.CustomUsage == nil && u.UsagePriority == nil && u.AutoPrint == nil
}

// Apply copies the set fields onto m.
func (u UserFields) Apply(m *Medicine) {
	if u.CustomUsage != nil {
		m.CustomUsage = *u.CustomUsage
	}
	if u.UsagePriority != nil {
		m.UsagePriority = *u.UsagePriority
	}
	if u.AutoPrint != nil {
		m.AutoPrint = *u.AutoPrint
	}
}

// CarryUserFields copies the user-set fields of from onto m.
func (m *Medicine) CarryUserFields(from Medicine) {
	m.CustomUsage = from.CustomUsage
	m.UsagePriority = from.UsagePriority
	m.AutoPrint = from.AutoPrint
}

// NewPlaceholder builds the unresolved record stored under a placeholder
// identity. name is the best label available, usually the prescription's.
func NewPlaceholder(id Identity, name string) Medicine {
	name = strings.TrimSpace(name)
	if name == "" {
		name = Unknown
	}
	return Medicine{
		ID:               id,
		Name:             name,
		Form:             Unknown,
		DosageRoute:      Unknown,
		ClassCode:        Unknown,
		Manufacturer:     Unknown,
		StorageRaw:       Unknown,
		StorageContainer: Unknown,
		Temperature:      Unknown,
		Unit:             normalize.DefaultUnit,
		Effects:          []string{},
		AutoPrint:        true,
		Resolved:         false,
	}
}

// ManufacturerName returns the company part of a combined "name | address" field.
func ManufacturerName(combined string) string {
	name, _, _ := strings.Cut(combined, "|")
	return strings.TrimSpace(name)
}

// Label is the denormalized row the printing side renders.
// The embedded Medicine carries the bohcode the row was joined on.
type Label struct {
	Medicine

	// Per-fill dosing, zero when the label is read outside a prescription.
	PrescriptionDays int
	DailyDose        float64
	SingleDose       float64
}

// Candidate is a weakly identified name-search hit.
type Candidate struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Form         string `json:"form,omitempty"`
}
