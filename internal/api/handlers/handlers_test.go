package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/resolver"
)

type fakeResolver struct {
	result     resolver.Result
	err        error
	outcome    resolver.Outcome
	candidates []medicine.Candidate
	searchOK   bool

	reassigned string
}

func (f *fakeResolver) Resolve(_ context.Context, bohcode string, _ resolver.Options) (resolver.Result, error) {
	return f.result, f.err
}

func (f *fakeResolver) Retry(context.Context, string) resolver.Outcome { return f.outcome }

func (f *fakeResolver) Reassign(_ context.Context, bohcode, code string) resolver.Outcome {
	f.reassigned = bohcode + "->" + code
	return f.outcome
}

func (f *fakeResolver) Search(context.Context, string) ([]medicine.Candidate, bool) {
	return f.candidates, f.searchOK
}

type fakeStore struct {
	prescriptions map[int64]prescription.Prescription
	labels        map[int64][]medicine.Label
	unresolved    []medicine.Medicine
	medicines     map[string]medicine.Medicine
	mapped        []medicine.Medicine

	page      [2]int
	byDate    time.Time
	parsedOn  time.Time
	byPatient string
	deleted   []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prescriptions: map[int64]prescription.Prescription{},
		labels:        map[int64][]medicine.Label{},
		medicines:     map[string]medicine.Medicine{},
	}
}

func (f *fakeStore) GetPrescription(_ context.Context, id int64) (prescription.Prescription, error) {
	p, ok := f.prescriptions[id]
	if !ok {
		return prescription.Prescription{}, postgres.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ListPrescriptionLabels(_ context.Context, id int64) ([]medicine.Label, error) {
	if _, ok := f.prescriptions[id]; !ok {
		return nil, postgres.ErrNotFound
	}
	return f.labels[id], nil
}

func (f *fakeStore) ListPrescriptionsByDate(_ context.Context, day time.Time) ([]prescription.Prescription, error) {
	f.byDate = day
	return f.all(), nil
}

func (f *fakeStore) ListPrescriptionsByPatient(_ context.Context, patientID string) ([]prescription.Prescription, error) {
	f.byPatient = patientID
	return f.all(), nil
}

func (f *fakeStore) ListParsedOn(_ context.Context, day time.Time) ([]prescription.Prescription, error) {
	f.parsedOn = day
	return f.all(), nil
}

func (f *fakeStore) all() []prescription.Prescription {
	var out []prescription.Prescription
	for _, p := range f.prescriptions {
		out = append(out, p)
	}
	return out
}

func (f *fakeStore) ListUnresolved(context.Context) ([]medicine.Medicine, error) {
	return f.unresolved, nil
}

func (f *fakeStore) ListMedicines(_ context.Context, limit, offset int) ([]medicine.Medicine, error) {
	f.page = [2]int{limit, offset}
	if offset >= len(f.mapped) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.mapped) {
		end = len(f.mapped)
	}
	return f.mapped[offset:end], nil
}

func (f *fakeStore) UpdateUserFields(_ context.Context, id medicine.Identity, u medicine.UserFields) (medicine.Medicine, error) {
	m, ok := f.medicines[id.Key()]
	if !ok {
		return medicine.Medicine{}, postgres.ErrNotFound
	}
	u.Apply(&m)
	f.medicines[id.Key()] = m
	return m, nil
}

func (f *fakeStore) DeletePrescription(_ context.Context, id int64) error {
	if _, ok := f.prescriptions[id]; !ok {
		return postgres.ErrNotFound
	}
	delete(f.prescriptions, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeIngester struct {
	res prescription.IngestResult
	got prescription.Parsed
}

func (f *fakeIngester) Ingest(_ context.Context, p prescription.Parsed) (prescription.IngestResult, error) {
	f.got = p
	if err := p.Validate(); err != nil {
		return prescription.IngestResult{}, err
	}
	return f.res, nil
}

func serve(t *testing.T, h *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func amlodipine() medicine.Medicine {
	return medicine.Medicine{
		ID:           medicine.Resolved("198900123"),
		Name:         "노바스크정5밀리그램",
		Form:         "정제",
		Manufacturer: "한국화이자제약",
		Unit:         "정",
		Effects:      []string{"고혈압"},
		AutoPrint:    true,
		Resolved:     true,
	}
}

func TestGetLabel(t *testing.T) {
	res := &fakeResolver{result: resolver.Result{Medicine: amlodipine(), Status: resolver.StatusResolved}}
	h := New(res, newFakeStore(), nil, nil)

	rec := serve(t, h, http.MethodGet, "/labels/645301220", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[LabelResponse](t, rec)
	if got.Code != "198900123" || got.Kind != "resolved" || got.Bohcode != "645301220" || got.Status != "resolved" {
		t.Errorf("label = %+v", got)
	}
	if len(got.Effects) != 1 || got.Effects[0] != "고혈압" {
		t.Errorf("effects = %v", got.Effects)
	}
}

func TestGetLabelPlaceholder(t *testing.T) {
	ph := medicine.NewPlaceholder(medicine.Placeholder("abc123"), "")
	ph.Effects = nil
	res := &fakeResolver{result: resolver.Result{Medicine: ph, Status: resolver.StatusPlaceholder}}
	h := New(res, newFakeStore(), nil, nil)

	rec := serve(t, h, http.MethodGet, "/labels/645301220", "")
	got := decode[LabelResponse](t, rec)
	if got.Kind != "placeholder" || got.Resolved || got.Name != medicine.Unknown {
		t.Errorf("label = %+v", got)
	}
	if !strings.Contains(rec.Body.String(), `"effects":[]`) {
		t.Errorf("effects should encode as an empty list: %s", rec.Body)
	}
}

func TestGetLabelRejectsBadBohcode(t *testing.T) {
	h := New(&fakeResolver{}, newFakeStore(), nil, nil)
	for _, code := range []string{"12345", "64530122a", "6453012201"} {
		if rec := serve(t, h, http.MethodGet, "/labels/"+code, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", code, rec.Code)
		}
	}
}

func TestGetLabelStoreFailure(t *testing.T) {
	h := New(&fakeResolver{err: errors.New("connection refused")}, newFakeStore(), nil, nil)
	rec := serve(t, h, http.MethodGet, "/labels/645301220", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("internal error leaked to the client")
	}
}

func TestListPrescriptions(t *testing.T) {
	store := newFakeStore()
	store.prescriptions[7] = prescription.Prescription{
		ID:             7,
		PatientID:      "P001",
		ReceiptDateRaw: "20240105",
		ReceiptDate:    time.Date(2024, 1, 5, 0, 0, 0, 0, time.Local),
		ReceiptNum:     "12",
		Items:          []prescription.Item{{Bohcode: "645301220", Name: "노바스크", PrescriptionDays: 30, DailyDose: 1, SingleDose: 1}},
	}
	h := New(&fakeResolver{}, store, nil, nil)

	rec := serve(t, h, http.MethodGet, "/prescriptions?date=2024-01-05", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[[]PrescriptionResponse](t, rec)
	if len(got) != 1 || got[0].ReceiptDate != "2024-01-05" || len(got[0].Items) != 1 {
		t.Fatalf("prescriptions = %+v", got)
	}
	if store.byDate.Day() != 5 {
		t.Errorf("byDate = %v", store.byDate)
	}

	serve(t, h, http.MethodGet, "/prescriptions?parsed=20240106", "")
	if store.parsedOn.Day() != 6 {
		t.Errorf("parsedOn = %v", store.parsedOn)
	}
	serve(t, h, http.MethodGet, "/prescriptions?patient=P001", "")
	if store.byPatient != "P001" {
		t.Errorf("byPatient = %q", store.byPatient)
	}

	for _, target := range []string{"/prescriptions", "/prescriptions?date=yesterday"} {
		if rec := serve(t, h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", target, rec.Code)
		}
	}
}

func TestPrescriptionLabels(t *testing.T) {
	store := newFakeStore()
	store.prescriptions[3] = prescription.Prescription{ID: 3}
	store.labels[3] = []medicine.Label{
		{Medicine: amlodipine(), PrescriptionDays: 14, DailyDose: 2, SingleDose: 1},
	}
	h := New(&fakeResolver{}, store, nil, nil)

	rec := serve(t, h, http.MethodGet, "/prescriptions/3/labels", "")
	got := decode[[]LabelResponse](t, rec)
	if len(got) != 1 || got[0].PrescriptionDays != 14 || got[0].DailyDose != 2 || got[0].Code != "198900123" {
		t.Errorf("labels = %+v", got)
	}

	if rec := serve(t, h, http.MethodGet, "/prescriptions/99/labels", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing prescription: status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/prescriptions/abc/labels", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", rec.Code)
	}
}

func TestDeletePrescription(t *testing.T) {
	store := newFakeStore()
	store.prescriptions[3] = prescription.Prescription{ID: 3}
	h := New(&fakeResolver{}, store, nil, nil)

	if rec := serve(t, h, http.MethodDelete, "/prescriptions/3", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodDelete, "/prescriptions/3", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/prescriptions/3", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
}

func TestIngestPrescription(t *testing.T) {
	ing := &fakeIngester{res: prescription.IngestResult{PrescriptionID: 11}}
	h := New(&fakeResolver{}, newFakeStore(), ing, nil)

	body := `{"patientId":"P001","receiptDateRaw":"20240105","receiptNum":"12","hospitalName":"서울내과","doctorName":"김의사",
		"medicines":[{"code":"645301220","name":"노바스크","prescriptionDays":30,"dailyDose":1,"singleDose":1}]}`
	rec := serve(t, h, http.MethodPost, "/prescriptions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[IngestResponse](t, rec)
	if got.PrescriptionID != 11 || got.Duplicate || got.Placeholders == nil {
		t.Errorf("response = %+v", got)
	}
	if len(ing.got.Medicines) != 1 || ing.got.Medicines[0].PrescriptionDays != 30 {
		t.Errorf("ingested = %+v", ing.got)
	}

	ing.res.Duplicate = true
	if rec := serve(t, h, http.MethodPost, "/prescriptions", body); rec.Code != http.StatusOK {
		t.Errorf("duplicate: status = %d", rec.Code)
	}

	if rec := serve(t, h, http.MethodPost, "/prescriptions", `{"patientId":"P001"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid: status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/prescriptions", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d", rec.Code)
	}
}

func TestIngestDisabled(t *testing.T) {
	h := New(&fakeResolver{}, newFakeStore(), nil, nil)
	if rec := serve(t, h, http.MethodPost, "/prescriptions", `{}`); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRetryAndReassign(t *testing.T) {
	res := &fakeResolver{outcome: resolver.Outcome{OK: true, Message: "updated"}}
	h := New(res, newFakeStore(), nil, nil)

	if rec := serve(t, h, http.MethodPost, "/medicines/645301220/retry", ""); rec.Code != http.StatusOK {
		t.Errorf("retry: status = %d", rec.Code)
	}

	rec := serve(t, h, http.MethodPost, "/medicines/645301220/reassign", `{"code":"198900123"}`)
	if rec.Code != http.StatusOK || res.reassigned != "645301220->198900123" {
		t.Errorf("reassign: status = %d, call = %q", rec.Code, res.reassigned)
	}
	if got := decode[resolver.Outcome](t, rec); got.Message != "updated" {
		t.Errorf("outcome = %+v", got)
	}

	res.outcome = resolver.Outcome{OK: false, Message: "directory has no such code"}
	if rec := serve(t, h, http.MethodPost, "/medicines/645301220/reassign", `{"code":"000000000"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("failed reassign: status = %d", rec.Code)
	}

	for _, body := range []string{`{"code":""}`, `{"code":"fail_abc"}`, `nope`} {
		if rec := serve(t, h, http.MethodPost, "/medicines/645301220/reassign", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestUpdateUserFields(t *testing.T) {
	store := newFakeStore()
	store.medicines["198900123"] = amlodipine()
	h := New(&fakeResolver{}, store, nil, nil)

	rec := serve(t, h, http.MethodPatch, "/medicines/198900123", `{"custom_usage":"식후 30분","usage_priority":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[MedicineResponse](t, rec)
	if got.CustomUsage != "식후 30분" || got.UsagePriority != 2 || !got.AutoPrint {
		t.Errorf("medicine = %+v", got)
	}

	if rec := serve(t, h, http.MethodPatch, "/medicines/198900123", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty update: status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPatch, "/medicines/fail_zzz", `{"auto_print":false}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", rec.Code)
	}
}

func TestListUnresolved(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 2; i++ {
		m := medicine.NewPlaceholder(medicine.Placeholder(fmt.Sprintf("tok%d", i)), "")
		m.Bohcode = fmt.Sprintf("64530122%d", i)
		store.unresolved = append(store.unresolved, m)
	}
	h := New(&fakeResolver{}, store, nil, nil)

	got := decode[[]MedicineResponse](t, serve(t, h, http.MethodGet, "/medicines/unresolved", ""))
	if len(got) != 2 || got[0].Code != "fail_tok0" || got[1].Bohcode != "645301221" {
		t.Errorf("unresolved = %+v", got)
	}

	store.unresolved = nil
	rec := serve(t, h, http.MethodGet, "/medicines/unresolved", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty list = %s", rec.Body)
	}
}

func TestListMedicines(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		m := amlodipine()
		m.Bohcode = fmt.Sprintf("64530122%d", i)
		store.mapped = append(store.mapped, m)
	}
	h := New(&fakeResolver{}, store, nil, nil)

	got := decode[[]MedicineResponse](t, serve(t, h, http.MethodGet, "/medicines", ""))
	if len(got) != 3 || store.page != [2]int{defaultPageSize, 0} {
		t.Errorf("default page = %d rows, paged %v", len(got), store.page)
	}

	got = decode[[]MedicineResponse](t, serve(t, h, http.MethodGet, "/medicines?limit=1&offset=2", ""))
	if len(got) != 1 || got[0].Bohcode != "645301222" {
		t.Errorf("second page = %+v", got)
	}

	rec := serve(t, h, http.MethodGet, "/medicines?offset=9", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("past the end = %d %s", rec.Code, rec.Body)
	}

	for _, q := range []string{"limit=0", "limit=501", "limit=x", "offset=-1"} {
		if rec := serve(t, h, http.MethodGet, "/medicines?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}
}

func TestSearch(t *testing.T) {
	res := &fakeResolver{
		candidates: []medicine.Candidate{{Code: "198900123", Name: "노바스크정", Manufacturer: "한국화이자제약", Form: "정제"}},
		searchOK:   true,
	}
	h := New(res, newFakeStore(), nil, nil)

	got := decode[[]medicine.Candidate](t, serve(t, h, http.MethodGet, "/directory/search?name=%EB%85%B8%EB%B0%94", ""))
	if len(got) != 1 || got[0].Code != "198900123" {
		t.Errorf("candidates = %+v", got)
	}

	if rec := serve(t, h, http.MethodGet, "/directory/search", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("no name: status = %d", rec.Code)
	}

	res.searchOK = false
	if rec := serve(t, h, http.MethodGet, "/directory/search?name=x", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("directory down: status = %d", rec.Code)
	}
}
