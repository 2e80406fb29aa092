package storage

import "fmt"

// retentionQueries delete rows older than the bound timestamp. The newest
// capability snapshot is kept regardless of age since the host is probed
// once per daemon run.
var retentionQueries = []struct {
	table string
	query string
}{
	{"samples", "DELETE FROM samples WHERE timestamp < ?"},
	{"capability_snapshots", `DELETE FROM capability_snapshots WHERE timestamp < ?
		AND id <> (SELECT id FROM capability_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1)`},
	{"eligibility_events", "DELETE FROM eligibility_events WHERE timestamp < ?"},
}

// DeleteOlderThan deletes rows from all tables where the timestamp is before
// the given unix epoch. Returns the total number of deleted rows.
func (d *DB) DeleteOlderThan(before int64) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	var total int64
	for _, q := range retentionQueries {
		res, err := tx.Exec(q.query, before)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("delete from %s: %w", q.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}
