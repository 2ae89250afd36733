package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"farmestly-reports/internal/models"
)

// recordWhere builds the WHERE clause shared by the count and list queries.
func recordWhere(f models.RecordFilter) (string, []any) {
	clauses := []string{"account_id = $1"}
	args := []any{f.AccountID}
	if f.From != nil {
		args = append(args, *f.From)
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		clauses = append(clauses, fmt.Sprintf("started_at <= $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// CountFieldJobs counts the account's field jobs matching the filter.
func (s *Store) CountFieldJobs(ctx context.Context, f models.RecordFilter) (int, error) {
	where, args := recordWhere(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM field_jobs WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count field jobs: %w", err)
	}
	return n, nil
}

// ListFieldJobs returns at most limit field jobs ordered by start time.
func (s *Store) ListFieldJobs(ctx context.Context, f models.RecordFilter, limit int) ([]models.FieldJob, error) {
	where, args := recordWhere(f)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, account_id, job_type, title, field_id, machine_id, attachment_id, tool_id,
		       started_at, ended_at, duration_ms, notes
		FROM field_jobs WHERE %s
		ORDER BY started_at
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list field jobs: %w", err)
	}
	defer rows.Close()

	var out []models.FieldJob
	for rows.Next() {
		var (
			j                                models.FieldJob
			field, machine, attachment, tool pgtype.Text
		)
		if err := rows.Scan(&j.ID, &j.AccountID, &j.Type, &j.Title, &field, &machine, &attachment, &tool,
			&j.StartedAt, &j.EndedAt, &j.DurationMs, &j.Notes); err != nil {
			return nil, fmt.Errorf("scan field job: %w", err)
		}
		j.FieldID = textValue(field)
		j.MachineID = textValue(machine)
		j.AttachmentID = textValue(attachment)
		j.ToolID = textValue(tool)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Lookups loads the name maps for an account's fields and equipment.
func (s *Store) Lookups(ctx context.Context, accountID string) (models.Lookups, error) {
	lk := models.NewLookups()

	rows, err := s.pool.Query(ctx, `SELECT id, name, area_ha FROM fields WHERE account_id = $1`, accountID)
	if err != nil {
		return lk, fmt.Errorf("query fields: %w", err)
	}
	for rows.Next() {
		var f models.Field
		if err := rows.Scan(&f.ID, &f.Name, &f.AreaHa); err != nil {
			rows.Close()
			return lk, fmt.Errorf("scan field: %w", err)
		}
		lk.Fields[f.ID] = f
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return lk, fmt.Errorf("iterate fields: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, kind, name, make FROM equipment WHERE account_id = $1`, accountID)
	if err != nil {
		return lk, fmt.Errorf("query equipment: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e    models.Equipment
			kind string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Name, &e.Make); err != nil {
			return lk, fmt.Errorf("scan equipment: %w", err)
		}
		e.Kind = models.EquipmentKind(kind)
		switch e.Kind {
		case models.KindMachine:
			lk.Machines[e.ID] = e
		case models.KindAttachment:
			lk.Attachments[e.ID] = e
		case models.KindTool:
			lk.Tools[e.ID] = e
		}
	}
	return lk, rows.Err()
}

// InsertFieldJob stores a field job record. Used by seeding and tests.
func (s *Store) InsertFieldJob(ctx context.Context, j models.FieldJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO field_jobs (id, account_id, job_type, title, field_id, machine_id, attachment_id, tool_id, started_at, ended_at, duration_ms, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, j.ID, j.AccountID, j.Type, j.Title, emptyToNil(j.FieldID), emptyToNil(j.MachineID), emptyToNil(j.AttachmentID),
		emptyToNil(j.ToolID), j.StartedAt, j.EndedAt, j.DurationMs, j.Notes)
	if err != nil {
		return fmt.Errorf("insert field job: %w", err)
	}
	return nil
}
