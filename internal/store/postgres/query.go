package postgres

import (
	"fmt"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// buildListQuery appends time filtering on col, newest-first ordering and
// pagination from opts to base. args holds any placeholders already used by
// base.
func buildListQuery(base, col string, opts domain.ListOpts, args []any) (string, []any) {
	query := base
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		query += " AND " + col + " >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND " + col + " <= " + next(*opts.Until)
	}
	query += " ORDER BY " + col + " DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
