// Package prescription models parsed prescriptions from the pharmacy feed and
// the records the store keeps for them.
package prescription

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ReceiptDateLayout is the layout of receipt_date_raw in the feed.
const ReceiptDateLayout = "20060102"

var bohcodePattern = regexp.MustCompile(`^\d{9}$`)

// ValidBohcode reports whether code has the 9-digit billing code shape.
func ValidBohcode(code string) bool {
	return bohcodePattern.MatchString(code)
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid prescription")

// ParsedMedicine is one medicine line of a parsed prescription.
type ParsedMedicine struct {
	Code             string  `json:"code"`
	Name             string  `json:"name"`
	PrescriptionDays int     `json:"prescriptionDays"`
	DailyDose        float64 `json:"dailyDose"`
	SingleDose       float64 `json:"singleDose"`
}

// Parsed is the record delivered by the feed parser.
type Parsed struct {
	PatientID      string           `json:"patientId"`
	PatientName    string           `json:"patientName,omitempty"`
	BirthDate      string           `json:"birthDate,omitempty"`
	Age            int              `json:"age,omitempty"`
	Gender         string           `json:"gender,omitempty"`
	Memo           string           `json:"memo,omitempty"`
	ReceiptDateRaw string           `json:"receiptDateRaw"`
	ReceiptNum     string           `json:"receiptNum"`
	HospitalName   string           `json:"hospitalName"`
	DoctorName     string           `json:"doctorName"`
	Medicines      []ParsedMedicine `json:"medicines"`
}

// Validate checks the fields the store keys on.
func (p Parsed) Validate() error {
	var problems []string
	if strings.TrimSpace(p.PatientID) == "" {
		problems = append(problems, "patientId is required")
	}
	if strings.TrimSpace(p.ReceiptDateRaw) == "" {
		problems = append(problems, "receiptDateRaw is required")
	}
	if strings.TrimSpace(p.ReceiptNum) == "" {
		problems = append(problems, "receiptNum is required")
	}
	for i, m := range p.Medicines {
		if !ValidBohcode(m.Code) {
			problems = append(problems, fmt.Sprintf("medicines[%d].code %q is not a 9-digit bohcode", i, m.Code))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Key returns the natural key of the prescription.
func (p Parsed) Key() Key {
	return Key{PatientID: p.PatientID, ReceiptDateRaw: p.ReceiptDateRaw, ReceiptNum: p.ReceiptNum}
}

// Bohcodes lists the distinct billing codes with the first name seen for each,
// in prescription order.
func (p Parsed) Bohcodes() []ParsedMedicine {
	seen := make(map[string]struct{}, len(p.Medicines))
	out := make([]ParsedMedicine, 0, len(p.Medicines))
	for _, m := range p.Medicines {
		if _, ok := seen[m.Code]; ok {
			continue
		}
		seen[m.Code] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Key is the dedup key of a prescription.
type Key struct {
	PatientID      string
	ReceiptDateRaw string
	ReceiptNum     string
}

func (k Key) String() string {
	return k.PatientID + "/" + k.ReceiptDateRaw + "/" + k.ReceiptNum
}

// ReceiptDate parses a raw receipt date. The zero time is returned when the
// value does not follow ReceiptDateLayout.
func ReceiptDate(raw string) time.Time {
	t, err := time.ParseInLocation(ReceiptDateLayout, strings.TrimSpace(raw), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Patient is upserted on every ingestion.
type Patient struct {
	ID        string
	Name      string
	BirthDate string
	Age       int
	Gender    string
	Memo      string
	UpdatedAt time.Time
}

// PatientOf extracts the patient part of a parsed prescription.
func PatientOf(p Parsed) Patient {
	return Patient{
		ID:        p.PatientID,
		Name:      p.PatientName,
		BirthDate: p.BirthDate,
		Age:       p.Age,
		Gender:    p.Gender,
		Memo:      p.Memo,
	}
}

// Prescription is immutable once stored, apart from deletion.
type Prescription struct {
	ID             int64
	PatientID      string
	ReceiptDateRaw string
	ReceiptDate    time.Time
	ReceiptNum     string
	HospitalName   string
	DoctorName     string
	CreatedAt      time.Time
	Items          []Item
}

// Item links a prescription to a bohcode with its per-fill dosing.
type Item struct {
	Bohcode          string
	Name             string
	PrescriptionDays int
	DailyDose        float64
	SingleDose       float64
}

// ItemsOf converts the medicine lines of a parsed prescription.
func ItemsOf(p Parsed) []Item {
	items := make([]Item, 0, len(p.Medicines))
	for _, m := range p.Medicines {
		items = append(items, Item{
			Bohcode:          m.Code,
			Name:             m.Name,
			PrescriptionDays: m.PrescriptionDays,
			DailyDose:        m.DailyDose,
			SingleDose:       m.SingleDose,
		})
	}
	return items
}

// HistoryEntry records one sighting of a prescription.
type HistoryEntry struct {
	ID             int64
	PrescriptionID int64
	ParsedAt       time.Time
	ParsedDate     string
}

// IngestResult reports what an ingestion did.
type IngestResult struct {
	PrescriptionID int64
	Duplicate      bool
	// Placeholders lists the bohcodes that received a placeholder identity.
	Placeholders []string
}
