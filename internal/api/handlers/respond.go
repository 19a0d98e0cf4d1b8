// Package handlers serves labels, prescriptions and medicine maintenance to
// the pharmacy UI and label printer.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
)

// MedicineResponse is the wire form of a stored medicine.
type MedicineResponse struct {
	Code             string    `json:"code"`
	Kind             string    `json:"kind"`
	Bohcode          string    `json:"bohcode,omitempty"`
	Name             string    `json:"name"`
	Form             string    `json:"form"`
	DosageRoute      string    `json:"dosage_route"`
	ClassCode        string    `json:"cls_code"`
	Manufacturer     string    `json:"manufacturer"`
	StorageRaw       string    `json:"storage_raw"`
	StorageContainer string    `json:"storage_container"`
	Temperature      string    `json:"temperature"`
	Unit             string    `json:"unit"`
	Effects          []string  `json:"effects"`
	CustomUsage      string    `json:"custom_usage"`
	UsagePriority    int       `json:"usage_priority"`
	AutoPrint        bool      `json:"auto_print"`
	Resolved         bool      `json:"resolved"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func medicineResponse(m medicine.Medicine) MedicineResponse {
	effects := m.Effects
	if effects == nil {
		effects = []string{}
	}
	return MedicineResponse{
		Code:             m.ID.Key(),
		Kind:             m.ID.Kind().String(),
		Bohcode:          m.Bohcode,
		Name:             m.Name,
		Form:             m.Form,
		DosageRoute:      m.DosageRoute,
		ClassCode:        m.ClassCode,
		Manufacturer:     m.Manufacturer,
		StorageRaw:       m.StorageRaw,
		StorageContainer: m.StorageContainer,
		Temperature:      m.Temperature,
		Unit:             m.Unit,
		Effects:          effects,
		CustomUsage:      m.CustomUsage,
		UsagePriority:    m.UsagePriority,
		AutoPrint:        m.AutoPrint,
		Resolved:         m.Resolved,
		UpdatedAt:        m.UpdatedAt,
	}
}

// LabelResponse is a medicine with the dosing of one prescription line.
type LabelResponse struct {
	MedicineResponse
	PrescriptionDays int     `json:"prescription_days,omitempty"`
	DailyDose        float64 `json:"daily_dose,omitempty"`
	SingleDose       float64 `json:"single_dose,omitempty"`
	Status           string  `json:"status,omitempty"`
}

// PrescriptionResponse is the wire form of a prescription.
type PrescriptionResponse struct {
	ID             int64          `json:"id"`
	PatientID      string         `json:"patient_id"`
	ReceiptDateRaw string         `json:"receipt_date_raw"`
	ReceiptDate    string         `json:"receipt_date,omitempty"`
	ReceiptNum     string         `json:"receipt_num"`
	HospitalName   string         `json:"hospital_name"`
	DoctorName     string         `json:"doctor_name"`
	CreatedAt      time.Time      `json:"created_at"`
	Items          []ItemResponse `json:"items,omitempty"`
}

// ItemResponse is one prescription line.
type ItemResponse struct {
	Bohcode          string  `json:"bohcode"`
	Name             string  `json:"name"`
	PrescriptionDays int     `json:"prescription_days"`
	DailyDose        float64 `json:"daily_dose"`
	SingleDose       float64 `json:"single_dose"`
}

func prescriptionResponse(p prescription.Prescription) PrescriptionResponse {
	out := PrescriptionResponse{
		ID:             p.ID,
		PatientID:      p.PatientID,
		ReceiptDateRaw: p.ReceiptDateRaw,
		ReceiptNum:     p.ReceiptNum,
		HospitalName:   p.HospitalName,
		DoctorName:     p.DoctorName,
		CreatedAt:      p.CreatedAt,
	}
	if !p.ReceiptDate.IsZero() {
		out.ReceiptDate = p.ReceiptDate.Format(time.DateOnly)
	}
	for _, it := range p.Items {
		out.Items = append(out.Items, ItemResponse(it))
	}
	return out
}

// IngestResponse reports an ingestion.
type IngestResponse struct {
	PrescriptionID int64    `json:"prescription_id"`
	Duplicate      bool     `json:"duplicate"`
	Placeholders   []string `json:"placeholders"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
