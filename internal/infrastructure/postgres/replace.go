package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
)

// ReplaceResult describes what ReplaceCode did.
type ReplaceResult struct {
	// InPlace is set when old and new identities were equal.
	InPlace bool
	// Merged is set when the new identity already existed.
	Merged bool
	// Bohcodes were rewired from the old identity to the new one.
	Bohcodes []string
}

// ReplaceCode re-keys the medicine stored under old to fresh.ID in one
// transaction:
//
//   - same identity: descriptive fields are refreshed in place;
//   - new identity absent: fresh is inserted with the old row's user fields,
//     every mapping is rewired and the old row deleted;
//   - new identity present: mappings are rewired onto it and the old row deleted.
//
// Prescription history references bohcodes, so it is never rewritten.
func (s *Store) ReplaceCode(ctx context.Context, old medicine.Identity, fresh medicine.Medicine) (ReplaceResult, error) {
	var res ReplaceResult
	err := s.withTx(ctx, "replace_code", func(tx pgx.Tx) error {
		prev, err := getMedicine(ctx, tx, old.Key(), true)
		if err != nil {
			return fmt.Errorf("load %s: %w", old, err)
		}

		newKey := fresh.ID.Key()
		if newKey == old.Key() {
			res.InPlace = true
			if _, err := updateDescriptive(ctx, tx, newKey, fresh); err != nil {
				return err
			}
			res.Bohcodes, err = listBohcodes(ctx, tx, newKey)
			return err
		}

		exists, err := medicineExists(ctx, tx, newKey)
		if err != nil {
			return fmt.Errorf("check %s: %w", newKey, err)
		}
		if exists {
			res.Merged = true
		} else {
			fresh.CarryUserFields(prev)
			if err := insertMedicine(ctx, tx, fresh); err != nil {
				return err
			}
		}

		rows, err := tx.Query(ctx, `
			UPDATE bohcode_mappings SET yakjung_code = $2, updated_at = NOW()
			WHERE yakjung_code = $1
			RETURNING bohcode`, old.Key(), newKey)
		if err != nil {
			return fmt.Errorf("rewire mappings: %w", err)
		}
		res.Bohcodes, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("rewire mappings: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM medicines WHERE yakjung_code = $1`, old.Key()); err != nil {
			return fmt.Errorf("delete %s: %w", old, err)
		}

		return s.writeEvent(ctx, tx, prescription.AggregateMedicine, newKey, prescription.EventMedicineReplaced,
			prescription.MedicineReplacedData{
				OldCode:  old.Key(),
				NewCode:  newKey,
				Merged:   res.Merged,
				Bohcodes: res.Bohcodes,
			})
	})
	if err != nil {
		return ReplaceResult{}, err
	}

	s.logger.Info("medicine code replaced",
		zap.String("old", old.Key()),
		zap.String("new", fresh.ID.Key()),
		zap.Bool("in_place", res.InPlace),
		zap.Bool("merged", res.Merged),
		zap.Strings("bohcodes", res.Bohcodes))
	return res, nil
}

// RemapBohcode points a single bohcode at fresh.ID and leaves the other
// bohcodes of its current medicine alone. fresh is inserted with the old
// row's user fields unless its identity exists already. The old row is
// deleted once nothing maps to it.
func (s *Store) RemapBohcode(ctx context.Context, bohcode string, fresh medicine.Medicine) (ReplaceResult, error) {
	res := ReplaceResult{Bohcodes: []string{bohcode}}
	var oldKey string
	err := s.withTx(ctx, "remap_bohcode", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT yakjung_code FROM bohcode_mappings WHERE bohcode = $1 FOR UPDATE`,
			bohcode).Scan(&oldKey)
		if err != nil {
			return fmt.Errorf("load mapping %s: %w", bohcode, notFound(err))
		}
		prev, err := getMedicine(ctx, tx, oldKey, true)
		if err != nil {
			return fmt.Errorf("load %s: %w", oldKey, err)
		}

		newKey := fresh.ID.Key()
		if newKey == oldKey {
			res.InPlace = true
			_, err := updateDescriptive(ctx, tx, newKey, fresh)
			return err
		}

		exists, err := medicineExists(ctx, tx, newKey)
		if err != nil {
			return fmt.Errorf("check %s: %w", newKey, err)
		}
		if exists {
			res.Merged = true
		} else {
			fresh.CarryUserFields(prev)
			if err := insertMedicine(ctx, tx, fresh); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE bohcode_mappings SET yakjung_code = $2, updated_at = NOW()
			WHERE bohcode = $1`, bohcode, newKey); err != nil {
			return fmt.Errorf("remap %s: %w", bohcode, err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM medicines m WHERE m.yakjung_code = $1
			AND NOT EXISTS (SELECT 1 FROM bohcode_mappings b WHERE b.yakjung_code = m.yakjung_code)`,
			oldKey); err != nil {
			return fmt.Errorf("delete %s: %w", oldKey, err)
		}

		return s.writeEvent(ctx, tx, prescription.AggregateMedicine, newKey, prescription.EventMedicineReplaced,
			prescription.MedicineReplacedData{
				OldCode:  oldKey,
				NewCode:  newKey,
				Merged:   res.Merged,
				Bohcodes: res.Bohcodes,
			})
	})
	if err != nil {
		return ReplaceResult{}, err
	}

	s.logger.Info("bohcode remapped",
		zap.String("bohcode", bohcode),
		zap.String("old", oldKey),
		zap.String("new", fresh.ID.Key()),
		zap.Bool("in_place", res.InPlace),
		zap.Bool("merged", res.Merged))
	return res, nil
}
