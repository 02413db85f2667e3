package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	"github.com/wheelsproxy/wheelsproxy"
	"github.com/wheelsproxy/wheelsproxy/pkg/pep503"
)

var (
	searchCounter, searchDuration = opMetrics("searchpackages")
)

// buildSearchQuery assembles the package search statement. This is the one
// query with a dynamic shape, so it goes through the query builder instead
// of a constant.
func buildSearchQuery(indexIDs []int64, pattern string, limit int) (string, []interface{}, error) {
	psql := goqu.Dialect("postgres")
	q := psql.Select("id", "index_id", "name", "slug").
		From("package").
		Where(goqu.Ex{"index_id": indexIDs}).
		Order(goqu.I("slug").Asc()).
		Prepared(true)
	if pattern != "" {
		q = q.Where(goqu.I("slug").Like("%" + pep503.Normalize(pattern) + "%"))
	}
	if limit > 0 {
		q = q.Limit(uint(limit))
	}
	return q.ToSQL()
}

// SearchPackages implements datastore.PackageStore.
func (s *Store) SearchPackages(ctx context.Context, indexIDs []int64, pattern string, limit int) ([]wheelsproxy.Package, error) {
	query, args, err := buildSearchQuery(indexIDs, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	searchCounter.WithLabelValues("search").Add(1)
	searchDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to search packages: %w", err)
	}
	defer rows.Close()

	var out []wheelsproxy.Package
	for rows.Next() {
		var p wheelsproxy.Package
		if err := rows.Scan(&p.ID, &p.IndexID, &p.Name, &p.Slug); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
