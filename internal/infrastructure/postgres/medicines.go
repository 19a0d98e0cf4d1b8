package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
)

const medicineColumns = `m.yakjung_code, m.drug_name, m.drug_form, m.dosage_route, m.cls_code,
	m.manufacturer, m.storage_raw, m.storage_container, m.temperature, m.unit, m.effects,
	m.custom_usage, m.usage_priority, m.auto_print, m.api_fetched, m.created_at, m.updated_at`

func scanMedicine(row pgx.Row, extra ...any) (medicine.Medicine, error) {
	var (
		m       medicine.Medicine
		key     string
		effects []byte
	)
	dest := []any{
		&key, &m.Name, &m.Form, &m.DosageRoute, &m.ClassCode,
		&m.Manufacturer, &m.StorageRaw, &m.StorageContainer, &m.Temperature, &m.Unit, &effects,
		&m.CustomUsage, &m.UsagePriority, &m.AutoPrint, &m.Resolved, &m.CreatedAt, &m.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return medicine.Medicine{}, err
	}
	id, err := medicine.ParseIdentity(key)
	if err != nil {
		return medicine.Medicine{}, err
	}
	m.ID = id
	m.Effects = []string{}
	if len(effects) > 0 {
		if err := json.Unmarshal(effects, &m.Effects); err != nil {
			return medicine.Medicine{}, fmt.Errorf("decode effects of %s: %w", key, err)
		}
	}
	return m, nil
}

func effectsJSON(effects []string) ([]byte, error) {
	if effects == nil {
		effects = []string{}
	}
	return json.Marshal(effects)
}

// GetMedicineByBohcode joins the mapping to its medicine and re-attaches the bohcode.
func (s *Store) GetMedicineByBohcode(ctx context.Context, bohcode string) (medicine.Medicine, error) {
	return getByBohcode(ctx, s.pool, bohcode)
}

func getByBohcode(ctx context.Context, q queryable, bohcode string) (medicine.Medicine, error) {
	row := q.QueryRow(ctx, `
		SELECT `+medicineColumns+`
		FROM bohcode_mappings b
		JOIN medicines m ON m.yakjung_code = b.yakjung_code
		WHERE b.bohcode = $1`, bohcode)
	m, err := scanMedicine(row)
	if err != nil {
		return medicine.Medicine{}, notFound(err)
	}
	m.Bohcode = bohcode
	return m, nil
}

// GetMedicine loads a medicine by identity.
func (s *Store) GetMedicine(ctx context.Context, id medicine.Identity) (medicine.Medicine, error) {
	return getMedicine(ctx, s.pool, id.Key(), false)
}

func getMedicine(ctx context.Context, q queryable, key string, forUpdate bool) (medicine.Medicine, error) {
	sql := `SELECT ` + medicineColumns + ` FROM medicines m WHERE m.yakjung_code = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMedicine(q.QueryRow(ctx, sql, key))
	if err != nil {
		return medicine.Medicine{}, notFound(err)
	}
	return m, nil
}

// MedicineExists reports whether a yakjung_code is stored. Its signature
// matches medicine.ExistsFunc.
func (s *Store) MedicineExists(ctx context.Context, key string) (bool, error) {
	return medicineExists(ctx, s.pool, key)
}

func medicineExists(ctx context.Context, q queryable, key string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM medicines WHERE yakjung_code = $1)`, key).Scan(&ok)
	return ok, err
}

// InsertMedicineWithMapping stores m, unless its identity already exists,
// and maps bohcode to it in one transaction. ErrAlreadyMapped is returned
// when the bohcode is mapped already.
func (s *Store) InsertMedicineWithMapping(ctx context.Context, m medicine.Medicine, bohcode string) error {
	if m.ID.IsZero() {
		return errors.New("insert medicine: zero identity")
	}
	return s.withTx(ctx, "insert_medicine", func(tx pgx.Tx) error {
		if err := insertMedicine(ctx, tx, m); err != nil {
			return err
		}
		if err := insertMapping(ctx, tx, bohcode, m.ID.Key()); err != nil {
			return err
		}
		if !m.Resolved {
			return nil
		}
		return s.writeEvent(ctx, tx, prescription.AggregateMedicine, m.ID.Key(), prescription.EventMedicineResolved,
			prescription.MedicineResolvedData{Bohcode: bohcode, YakjungCode: m.ID.Key(), Name: m.Name})
	})
}

func insertMedicine(ctx context.Context, tx pgx.Tx, m medicine.Medicine) error {
	effects, err := effectsJSON(m.Effects)
	if err != nil {
		return fmt.Errorf("encode effects: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO medicines (
			yakjung_code, drug_name, drug_form, dosage_route, cls_code,
			manufacturer, storage_raw, storage_container, temperature, unit, effects,
			custom_usage, usage_priority, auto_print, api_fetched
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (yakjung_code) DO NOTHING`,
		m.ID.Key(), m.Name, m.Form, m.DosageRoute, m.ClassCode,
		m.Manufacturer, m.StorageRaw, m.StorageContainer, m.Temperature, m.Unit, effects,
		m.CustomUsage, m.UsagePriority, m.AutoPrint, m.Resolved,
	)
	if err != nil {
		return fmt.Errorf("insert medicine %s: %w", m.ID, err)
	}
	return nil
}

func insertMapping(ctx context.Context, tx pgx.Tx, bohcode, key string) error {
	_, err := tx.Exec(ctx, `INSERT INTO bohcode_mappings (bohcode, yakjung_code) VALUES ($1, $2)`, bohcode, key)
	if isUniqueViolation(err, "bohcode_mappings_pkey") {
		return fmt.Errorf("%s: %w", bohcode, ErrAlreadyMapped)
	}
	if err != nil {
		return fmt.Errorf("insert mapping %s: %w", bohcode, err)
	}
	return nil
}

// AddMappings maps extra bohcodes to an existing medicine. Codes already
// mapped anywhere are left alone; the newly mapped ones are returned.
func (s *Store) AddMappings(ctx context.Context, id medicine.Identity, bohcodes []string) ([]string, error) {
	added := make([]string, 0, len(bohcodes))
	err := s.withTx(ctx, "add_mappings", func(tx pgx.Tx) error {
		if _, err := getMedicine(ctx, tx, id.Key(), true); err != nil {
			return err
		}
		for _, b := range bohcodes {
			tag, err := tx.Exec(ctx, `
				INSERT INTO bohcode_mappings (bohcode, yakjung_code) VALUES ($1, $2)
				ON CONFLICT (bohcode) DO NOTHING`, b, id.Key())
			if err != nil {
				return fmt.Errorf("map %s: %w", b, err)
			}
			if tag.RowsAffected() == 1 {
				added = append(added, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// UpdateUserFields applies a partial update to the user-overridable fields.
func (s *Store) UpdateUserFields(ctx context.Context, id medicine.Identity, u medicine.UserFields) (medicine.Medicine, error) {
	var out medicine.Medicine
	err := s.withTx(ctx, "update_user_fields", func(tx pgx.Tx) error {
		m, err := getMedicine(ctx, tx, id.Key(), true)
		if err != nil {
			return err
		}
		u.Apply(&m)
		row := tx.QueryRow(ctx, `
			UPDATE medicines m SET custom_usage = $2, usage_priority = $3, auto_print = $4, updated_at = NOW()
			WHERE m.yakjung_code = $1
			RETURNING `+medicineColumns,
			id.Key(), m.CustomUsage, m.UsagePriority, m.AutoPrint)
		out, err = scanMedicine(row)
		return err
	})
	return out, err
}

// UpdateEnrichment overwrites the descriptive fields of a medicine in place,
// leaving user-set fields alone.
func (s *Store) UpdateEnrichment(ctx context.Context, m medicine.Medicine) error {
	return s.withTx(ctx, "update_enrichment", func(tx pgx.Tx) error {
		tag, err := updateDescriptive(ctx, tx, m.ID.Key(), m)
		if err != nil {
			return err
		}
		if tag == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func updateDescriptive(ctx context.Context, tx pgx.Tx, key string, m medicine.Medicine) (int64, error) {
	effects, err := effectsJSON(m.Effects)
	if err != nil {
		return 0, fmt.Errorf("encode effects: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE medicines SET
			drug_name = $2, drug_form = $3, dosage_route = $4, cls_code = $5,
			manufacturer = $6, storage_raw = $7, storage_container = $8, temperature = $9,
			unit = $10, effects = $11, api_fetched = $12, updated_at = NOW()
		WHERE yakjung_code = $1`,
		key, m.Name, m.Form, m.DosageRoute, m.ClassCode,
		m.Manufacturer, m.StorageRaw, m.StorageContainer, m.Temperature,
		m.Unit, effects, m.Resolved)
	if err != nil {
		return 0, fmt.Errorf("update medicine %s: %w", key, err)
	}
	return tag.RowsAffected(), nil
}

// ListUnresolved returns one row per bohcode whose medicine is still a
// placeholder or otherwise unresolved.
func (s *Store) ListUnresolved(ctx context.Context) ([]medicine.Medicine, error) {
	return s.listMapped(ctx, `WHERE NOT m.api_fetched ORDER BY b.created_at, b.bohcode`)
}

// ListMedicines returns mapped medicines, one row per bohcode, for reporting.
func (s *Store) ListMedicines(ctx context.Context, limit, offset int) ([]medicine.Medicine, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listMapped(ctx, `ORDER BY b.bohcode LIMIT $1 OFFSET $2`, limit, offset)
}

func (s *Store) listMapped(ctx context.Context, tail string, args ...any) ([]medicine.Medicine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+medicineColumns+`, b.bohcode
		FROM bohcode_mappings b
		JOIN medicines m ON m.yakjung_code = b.yakjung_code
		`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	defer rows.Close()

	out := make([]medicine.Medicine, 0)
	for rows.Next() {
		var bohcode string
		m, err := scanMedicine(rows, &bohcode)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		m.Bohcode = bohcode
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListBohcodes returns every bohcode mapped to id.
func (s *Store) ListBohcodes(ctx context.Context, id medicine.Identity) ([]string, error) {
	return listBohcodes(ctx, s.pool, id.Key())
}

func listBohcodes(ctx context.Context, q queryable, key string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT bohcode FROM bohcode_mappings WHERE yakjung_code = $1 ORDER BY bohcode`, key)
	if err != nil {
		return nil, fmt.Errorf("list bohcodes: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan bohcodes: %w", err)
	}
	return codes, nil
}

// CountMappings returns the number of bohcode mappings and how many of them
// point at a missing medicine.
func (s *Store) CountMappings(ctx context.Context) (total, dangling int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT EXISTS (
		           SELECT 1 FROM medicines m WHERE m.yakjung_code = b.yakjung_code))
		FROM bohcode_mappings b`).Scan(&total, &dangling)
	return total, dangling, err
}
