package store

import "context"

// Counts is a per-status row count snapshot used by the status endpoint.
type Counts struct {
	Tasks     map[string]int `json:"tasks"`
	Agents    map[string]int `json:"agents"`
	Jobs      map[string]int `json:"jobs"`
	Workflows map[string]int `json:"workflows"`
}

// Counts groups tasks, agents, jobs and workflow instances by status.
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	out := &Counts{}
	for _, q := range []struct {
		table string
		dst   *map[string]int
	}{
		{"tasks", &out.Tasks},
		{"agents", &out.Agents},
		{"jobs", &out.Jobs},
		{"workflow_instances", &out.Workflows},
	} {
		m, err := s.countByStatus(ctx, q.table)
		if err != nil {
			return nil, err
		}
		*q.dst = m
	}
	return out, nil
}

func (s *Store) countByStatus(ctx context.Context, table string) (map[string]int, error) {
	rows, err := s.conn().query(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, storageErr("count "+table, err)
	}
	defer rows.Close()
	m := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan count", err)
		}
		m[status] = n
	}
	return m, rows.Err()
}
