package storage

import (
	"fmt"
	"time"

	"github.com/petervdpas/groupmote/internal/mq"
)

// RecordReport appends r and prunes the journal to its retention bound.
func (d *DB) RecordReport(r mq.Report) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _reports (id, kind, topic, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Topic, r.Payload, r.Status, r.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	if d.keep > 0 {
		if _, err := d.pruneLocked(d.keep); err != nil {
			return err
		}
	}
	return nil
}

// ListReports returns up to limit reports, newest first. An empty kind
// matches every kind.
func (d *DB) ListReports(kind string, limit int) ([]mq.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, kind, topic, payload, status, created_at FROM _reports
		WHERE (? = '' OR kind = ?)
		ORDER BY seq DESC
		LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mq.Report
	for rows.Next() {
		var r mq.Report
		var at int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Topic, &r.Payload, &r.Status, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountReports returns the number of journaled reports.
func (d *DB) CountReports() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _reports`).Scan(&n)
	return n, err
}

// PruneReports keeps the newest keep reports and returns how many were removed.
func (d *DB) PruneReports(keep int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(keep)
}

func (d *DB) pruneLocked(keep int) (int64, error) {
	res, err := d.db.Exec(`
		DELETE FROM _reports WHERE seq <= (
			SELECT seq FROM _reports ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	return res.RowsAffected()
}
