package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-emar/internal/alert"
)

// AlertLedger is the durable record of every alert delivered through the
// broker, kept for audit and for staff dashboards.
type AlertLedger struct {
	pool *pgxpool.Pool
}

// NewAlertLedger returns a ledger on pool.
func NewAlertLedger(pool *pgxpool.Pool) *AlertLedger {
	return &AlertLedger{pool: pool}
}

// Record stores a. It reports false when the alert id was already recorded.
func (l *AlertLedger) Record(ctx context.Context, a alert.Alert) (bool, error) {
	var payload []byte
	if len(a.Payload) > 0 {
		payload = a.Payload
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO alert_ledger (alert_id, kind, severity, subject_id, prescription_id,
			administration_id, medication_id, message, payload, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alert_id) DO NOTHING`,
		a.ID, string(a.Kind), string(a.Severity), a.SubjectID, a.PrescriptionID,
		a.AdministrationID, a.MedicationID, a.Message, payload, a.RaisedAt)
	if err != nil {
		return false, fmt.Errorf("record alert %s: %w", a.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountBySeverity returns a subject's ledger entries grouped by severity.
func (l *AlertLedger) CountBySeverity(ctx context.Context, subjectID string) (map[alert.Severity]int, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM alert_ledger WHERE subject_id = $1 GROUP BY severity`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	out := make(map[alert.Severity]int)
	for rows.Next() {
		var (
			severity string
			n        int
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan alert counts: %w", err)
		}
		out[alert.Severity(severity)] = n
	}
	return out, rows.Err()
}
