package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
)

// IngestPrescription records a parsed prescription in one transaction.
// Unmapped bohcodes first receive a placeholder medicine named after the
// prescription line, so ingestion never waits on the drug directory. A
// prescription already stored under the same natural key only gains a
// parsing history row.
func (s *Store) IngestPrescription(ctx context.Context, p prescription.Parsed, alloc *medicine.Allocator) (prescription.IngestResult, error) {
	var res prescription.IngestResult
	now := s.now()

	err := s.withTx(ctx, "ingest_prescription", func(tx pgx.Tx) error {
		res = prescription.IngestResult{Placeholders: []string{}}

		placeholders, err := s.ensureMappings(ctx, tx, p, alloc)
		if err != nil {
			return err
		}
		res.Placeholders = placeholders

		if err := upsertPatient(ctx, tx, prescription.PatientOf(p)); err != nil {
			return err
		}

		var id int64
		err = tx.QueryRow(ctx, `
			SELECT id FROM prescriptions
			WHERE patient_id = $1 AND receipt_date_raw = $2 AND receipt_num = $3`,
			p.PatientID, p.ReceiptDateRaw, p.ReceiptNum).Scan(&id)
		switch {
		case err == nil:
			res.PrescriptionID = id
			res.Duplicate = true
			return insertHistory(ctx, tx, id, now)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("dedup check: %w", err)
		}

		var receiptDate *time.Time
		if d := prescription.ReceiptDate(p.ReceiptDateRaw); !d.IsZero() {
			receiptDate = &d
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO prescriptions (patient_id, receipt_date_raw, receipt_date, receipt_num, hospital_name, doctor_name)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			p.PatientID, p.ReceiptDateRaw, receiptDate, p.ReceiptNum, p.HospitalName, p.DoctorName).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		res.PrescriptionID = id

		if err := insertItems(ctx, tx, id, prescription.ItemsOf(p)); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, id, now); err != nil {
			return err
		}

		codes := make([]string, 0, len(p.Medicines))
		for _, m := range p.Bohcodes() {
			codes = append(codes, m.Code)
		}
		return s.writeEvent(ctx, tx, prescription.AggregatePrescription, fmt.Sprint(id), prescription.EventPrescriptionIngested,
			prescription.PrescriptionIngestedData{
				PrescriptionID: id,
				PatientID:      p.PatientID,
				ReceiptDateRaw: p.ReceiptDateRaw,
				ReceiptNum:     p.ReceiptNum,
				Bohcodes:       codes,
				Placeholders:   res.Placeholders,
				IngestedAt:     now.UTC(),
			})
	})
	if err != nil {
		return prescription.IngestResult{}, err
	}
	return res, nil
}

func (s *Store) ensureMappings(ctx context.Context, tx pgx.Tx, p prescription.Parsed, alloc *medicine.Allocator) ([]string, error) {
	if alloc == nil {
		alloc = medicine.NewAllocator()
	}
	session := alloc.Session(func(ctx context.Context, key string) (bool, error) {
		return medicineExists(ctx, tx, key)
	})

	created := []string{}
	for _, line := range p.Bohcodes() {
		var mapped bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bohcode_mappings WHERE bohcode = $1)`, line.Code).Scan(&mapped); err != nil {
			return nil, fmt.Errorf("check mapping %s: %w", line.Code, err)
		}
		if mapped {
			continue
		}
		id, err := session.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate placeholder for %s: %w", line.Code, err)
		}
		if err := insertMedicine(ctx, tx, medicine.NewPlaceholder(id, line.Name)); err != nil {
			return nil, err
		}
		if err := insertMapping(ctx, tx, line.Code, id.Key()); err != nil {
			return nil, err
		}
		s.logger.Debug("placeholder created at ingestion", zap.String("bohcode", line.Code), zap.String("identity", id.Key()))
		created = append(created, line.Code)
	}
	return created, nil
}

func upsertPatient(ctx context.Context, tx pgx.Tx, pt prescription.Patient) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO patients (patient_id, name, birth_date, age, gender, memo)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE SET
			name       = COALESCE(NULLIF(EXCLUDED.name, ''), patients.name),
			birth_date = COALESCE(NULLIF(EXCLUDED.birth_date, ''), patients.birth_date),
			age        = CASE WHEN EXCLUDED.age > 0 THEN EXCLUDED.age ELSE patients.age END,
			gender     = COALESCE(NULLIF(EXCLUDED.gender, ''), patients.gender),
			memo       = COALESCE(NULLIF(EXCLUDED.memo, ''), patients.memo),
			updated_at = NOW()`,
		pt.ID, pt.Name, pt.BirthDate, pt.Age, pt.Gender, pt.Memo)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", pt.ID, err)
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, prescriptionID int64, items []prescription.Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, it := range items {
		batch.Queue(`
			INSERT INTO prescription_medicines
				(prescription_id, line_no, bohcode, drug_name, prescription_days, daily_dose, single_dose)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			prescriptionID, i+1, it.Bohcode, it.Name, it.PrescriptionDays, it.DailyDose, it.SingleDose)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert prescription medicines: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, prescriptionID int64, at time.Time) error {
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	_, err := tx.Exec(ctx, `
		INSERT INTO parsing_history (prescription_id, parsed_at, parsed_date) VALUES ($1, $2, $3)`,
		prescriptionID, at, day)
	if err != nil {
		return fmt.Errorf("insert parsing history: %w", err)
	}
	return nil
}

const prescriptionColumns = `p.id, p.patient_id, p.receipt_date_raw, p.receipt_date, p.receipt_num,
	p.hospital_name, p.doctor_name, p.created_at`

func scanPrescription(row pgx.Row) (prescription.Prescription, error) {
	var (
		p  prescription.Prescription
		rd *time.Time
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.ReceiptDateRaw, &rd, &p.ReceiptNum,
		&p.HospitalName, &p.DoctorName, &p.CreatedAt)
	if err != nil {
		return prescription.Prescription{}, err
	}
	if rd != nil {
		p.ReceiptDate = *rd
	}
	return p, nil
}

// GetPrescription loads a prescription with its items in line order.
func (s *Store) GetPrescription(ctx context.Context, id int64) (prescription.Prescription, error) {
	p, err := scanPrescription(s.pool.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions p WHERE p.id = $1`, id))
	if err != nil {
		return prescription.Prescription{}, notFound(err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT bohcode, drug_name, prescription_days, daily_dose, single_dose
		FROM prescription_medicines WHERE prescription_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return prescription.Prescription{}, fmt.Errorf("load items: %w", err)
	}
	p.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (prescription.Item, error) {
		var it prescription.Item
		err := row.Scan(&it.Bohcode, &it.Name, &it.PrescriptionDays, &it.DailyDose, &it.SingleDose)
		return it, err
	})
	if err != nil {
		return prescription.Prescription{}, fmt.Errorf("scan items: %w", err)
	}
	return p, nil
}

// ListPrescriptionsByDate returns prescriptions whose receipt date is day.
func (s *Store) ListPrescriptionsByDate(ctx context.Context, day time.Time) ([]prescription.Prescription, error) {
	return s.listPrescriptions(ctx, `WHERE p.receipt_date = $1 ORDER BY p.id`, dateOnly(day))
}

// ListPrescriptionsByPatient returns a patient's prescriptions, newest first.
func (s *Store) ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]prescription.Prescription, error) {
	return s.listPrescriptions(ctx, `WHERE p.patient_id = $1 ORDER BY p.receipt_date_raw DESC, p.id DESC`, patientID)
}

// ListParsedOn returns prescriptions seen by the feed on day, regardless of
// their receipt date, most recently seen first.
func (s *Store) ListParsedOn(ctx context.Context, day time.Time) ([]prescription.Prescription, error) {
	return s.listPrescriptions(ctx, `
		JOIN (
			SELECT prescription_id, MAX(parsed_at) AS last_seen
			FROM parsing_history WHERE parsed_date = $1
			GROUP BY prescription_id
		) h ON h.prescription_id = p.id
		ORDER BY h.last_seen DESC, p.id DESC`, dateOnly(day))
}

func (s *Store) listPrescriptions(ctx context.Context, tail string, args ...any) ([]prescription.Prescription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions p `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := make([]prescription.Prescription, 0)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPrescriptionLabels returns the label rows of a prescription in line order.
func (s *Store) ListPrescriptionLabels(ctx context.Context, id int64) ([]medicine.Label, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check prescription: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+medicineColumns+`, pm.bohcode, pm.prescription_days, pm.daily_dose, pm.single_dose
		FROM prescription_medicines pm
		JOIN bohcode_mappings b ON b.bohcode = pm.bohcode
		JOIN medicines m ON m.yakjung_code = b.yakjung_code
		WHERE pm.prescription_id = $1
		ORDER BY pm.line_no`, id)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()

	out := make([]medicine.Label, 0)
	for rows.Next() {
		var l medicine.Label
		m, err := scanMedicine(rows, &l.Bohcode, &l.PrescriptionDays, &l.DailyDose, &l.SingleDose)
		if err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		bohcode := l.Bohcode
		l.Medicine = m
		l.Bohcode = bohcode
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeletePrescription removes a prescription with its items and history.
func (s *Store) DeletePrescription(ctx context.Context, id int64) error {
	return s.withTx(ctx, "delete_prescription", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete prescription %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountPrescriptions counts prescriptions stored under a natural key.
func (s *Store) CountPrescriptions(ctx context.Context, key prescription.Key) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM prescriptions
		WHERE patient_id = $1 AND receipt_date_raw = $2 AND receipt_num = $3`,
		key.PatientID, key.ReceiptDateRaw, key.ReceiptNum).Scan(&n)
	return n, err
}

// CountParsingHistory counts the sightings of a prescription.
func (s *Store) CountParsingHistory(ctx context.Context, prescriptionID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM parsing_history WHERE prescription_id = $1`, prescriptionID).Scan(&n)
	return n, err
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
