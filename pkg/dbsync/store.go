package dbsync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"

	"github.com/conductorone/baton-rsync/pkg/retry"
	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

// Row is a single table row keyed by column name.
type Row map[string]any

// RangeStore is the set of capabilities the reconciliation engine needs from a table
// ordered by an index column.
//
// Implementations do not lock on their own: callers wrap dependent calls in Lock/Unlock.
type RangeStore interface {
	Lock()
	Unlock()
	Alive() bool

	// BoundKey runs a first/last style query and returns the index value of its first row.
	BoundKey(ctx context.Context, table string, index string, q Query) (keyrange.Key, bool, error)
	// CountRange returns the number of rows in r using a count template with two placeholders.
	CountRange(ctx context.Context, table string, q Query, r keyrange.Range) (int64, error)
	// KeysFrom returns up to n index values in r, in index order, skipping the first offset.
	KeysFrom(ctx context.Context, table string, index string, r keyrange.Range, offset int64, n int) ([]keyrange.Key, error)
	// ChecksumRange digests the checksum column of every row in r, in index order.
	ChecksumRange(ctx context.Context, table string, q Query, checksumField string, r keyrange.Range) (string, error)
	// RowsInRange calls fn for every row in r, in index order.
	RowsInRange(ctx context.Context, table string, index string, q Query, r keyrange.Range, fn func(Row) error) error
	// RowByKey fetches the row whose index equals key.
	RowByKey(ctx context.Context, table string, q Query, key keyrange.Key) (Row, bool, error)
}

var _ RangeStore = (*DB)(nil)

// EmptyChecksum is the digest of a range without rows.
var EmptyChecksum = hex.EncodeToString(sha256.New().Sum(nil))

func (d *DB) BoundKey(ctx context.Context, table string, index string, q Query) (keyrange.Key, bool, error) {
	ctx, span := tracer.Start(ctx, "dbsync.BoundKey")
	defer span.End()

	if err := q.Validate(0); err != nil {
		return keyrange.Key{}, false, err
	}

	query, err := d.render(ctx, table, q, true)
	if err != nil {
		return keyrange.Key{}, false, err
	}

	var (
		key   keyrange.Key
		found bool
	)
	err = d.query(ctx, query, nil, func(row Row, cols []string) error {
		if found {
			return nil
		}
		v, ok := row[index]
		if !ok {
			return fmt.Errorf("%w: column %q not selected", ErrInvalidQuery, index)
		}
		if v == nil {
			return nil
		}
		k, err := keyrange.FromValue(v)
		if err != nil {
			return err
		}
		key, found = k, true
		return nil
	})
	if err != nil {
		return keyrange.Key{}, false, err
	}
	return key, found, nil
}

func (d *DB) CountRange(ctx context.Context, table string, q Query, r keyrange.Range) (int64, error) {
	ctx, span := tracer.Start(ctx, "dbsync.CountRange")
	defer span.End()

	if err := q.Validate(2); err != nil {
		return 0, err
	}

	query, err := d.render(ctx, table, q, false)
	if err != nil {
		return 0, err
	}

	var (
		count int64
		seen  bool
	)
	err = d.query(ctx, query, []any{r.Begin.Value(), r.End.Value()}, func(row Row, cols []string) error {
		if seen {
			return nil
		}
		field := q.CountFieldName
		if field == "" && len(cols) > 0 {
			field = cols[0]
		}
		v, ok := row[field]
		if !ok {
			return fmt.Errorf("%w: count column %q not selected", ErrInvalidQuery, field)
		}
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		count, seen = n, true
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (d *DB) KeysFrom(ctx context.Context, table string, index string, r keyrange.Range, offset int64, n int) ([]keyrange.Key, error) {
	ctx, span := tracer.Start(ctx, "dbsync.KeysFrom")
	defer span.End()

	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if offset < 0 || n <= 0 {
		return nil, nil
	}

	q := d.db.From(table).Prepared(true).
		Select(goqu.C(index)).
		Where(goqu.C(index).Between(goqu.Range(r.Begin.Value(), r.End.Value()))).
		Order(goqu.C(index).Asc()).
		Offset(uint(offset)).
		Limit(uint(n))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	keys := make([]keyrange.Key, 0, n)
	err = d.query(ctx, query, args, func(row Row, _ []string) error {
		k, err := keyrange.FromValue(row[index])
		if err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *DB) ChecksumRange(ctx context.Context, table string, q Query, checksumField string, r keyrange.Range) (string, error) {
	ctx, span := tracer.Start(ctx, "dbsync.ChecksumRange")
	defer span.End()

	if err := q.Validate(2); err != nil {
		return "", err
	}

	query, err := d.render(ctx, table, q, false)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	err = d.query(ctx, query, []any{r.Begin.Value(), r.End.Value()}, func(row Row, _ []string) error {
		v, ok := row[checksumField]
		if !ok {
			return fmt.Errorf("%w: checksum column %q not selected", ErrInvalidQuery, checksumField)
		}
		if v == nil {
			return nil
		}
		_, _ = h.Write([]byte(toString(v)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RowsInRange uses q's row filter when it has two placeholders. A blank filter is
// replaced by a range filter over the index column.
func (d *DB) RowsInRange(ctx context.Context, table string, index string, q Query, r keyrange.Range, fn func(Row) error) error {
	ctx, span := tracer.Start(ctx, "dbsync.RowsInRange")
	defer span.End()

	if err := d.checkOpen(); err != nil {
		return err
	}

	var (
		query string
		args  []any
		err   error
	)
	if q.Filter() == "" {
		ds := d.db.From(table).Prepared(true).
			Select(goqu.L(q.Columns())).
			Where(goqu.C(index).Between(goqu.Range(r.Begin.Value(), r.End.Value()))).
			Order(goqu.C(index).Asc())
		if q.DistinctOpt {
			ds = ds.Distinct()
		}
		query, args, err = ds.ToSQL()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	} else {
		if err := q.Validate(2); err != nil {
			return err
		}
		query, err = d.render(ctx, table, q, false)
		if err != nil {
			return err
		}
		args = []any{r.Begin.Value(), r.End.Value()}
	}

	return d.query(ctx, query, args, func(row Row, _ []string) error {
		return fn(row)
	})
}

func (d *DB) RowByKey(ctx context.Context, table string, q Query, key keyrange.Key) (Row, bool, error) {
	ctx, span := tracer.Start(ctx, "dbsync.RowByKey")
	defer span.End()

	if err := q.Validate(1); err != nil {
		return nil, false, err
	}

	query, err := d.render(ctx, table, q, true)
	if err != nil {
		return nil, false, err
	}

	var ret Row
	err = d.query(ctx, query, []any{key.Value()}, func(row Row, _ []string) error {
		if ret == nil {
			ret = row
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ret, ret != nil, nil
}

// query runs a read statement and hands every row to fn together with the column order.
func (d *DB) query(ctx context.Context, query string, args []any, fn func(Row, []string) error) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	// Only opening the cursor is retried: once rows reach fn the read is not repeatable.
	retryer := retry.NewRetryer(ctx, d.busyRetry)
	var rows *sql.Rows
	for {
		var err error
		rows, err = d.rawDb.QueryContext(ctx, query, args...)
		if err == nil {
			break
		}
		if !retryer.ShouldWaitAndRetry(ctx, err) {
			return fmt.Errorf("%w: %w", ErrQuery, err)
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("%w: %w", ErrQuery, err)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		if err := fn(row, cols); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: count %q is not an integer", ErrInvalidQuery, t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: count has type %T", ErrInvalidQuery, v)
	}
}
