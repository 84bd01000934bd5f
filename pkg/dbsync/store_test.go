package dbsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rsync/pkg/retry"
	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

const entryPathSchema = `
PRAGMA foreign_keys=OFF;
BEGIN TRANSACTION;
CREATE TABLE entry_path (path TEXT NOT NULL, inode_id INTEGER, mode INTEGER, last_event INTEGER, entry_type INTEGER, scanned INTEGER, options INTEGER, checksum TEXT NOT NULL, PRIMARY KEY(path));
INSERT INTO entry_path VALUES('/boot/grub2/fonts/unicode.pf2',1,0,1596489273,0,1,131583,'96482cde495f716fcd66a71a601fbb905c13b426');
INSERT INTO entry_path VALUES('/boot/grub2/grubenv',2,0,1596489273,0,1,131583,'e041159610c7ec18490345af13f7f49371b56893');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/datehook.mod',3,0,1596489273,0,1,131583,'f83bc87319566e270fcece2fae4910bc18fe7355');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/gcry_whirlpool.mod',4,0,1596489273,0,1,131583,'d59ffd58d107b9398ff5a809097f056b903b3c3e');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/gzio.mod',5,0,1596489273,0,1,131583,'e4a541bdcf17cb5435064881a1616befdc71f871');
COMMIT;`

const (
	unicodePath = "/boot/grub2/fonts/unicode.pf2"
	grubenvPath = "/boot/grub2/grubenv"
	datehookMod = "/boot/grub2/i386-pc/datehook.mod"
	gzioMod     = "/boot/grub2/i386-pc/gzio.mod"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"),
		WithPragma("journal_mode", "WAL"),
		WithBusyRetry(retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.ExecScript(ctx, entryPathSchema))
	return db
}

func rangeQuery(cols ...string) Query {
	return Query{
		RowFilter:  "WHERE path BETWEEN '?' and '?' ORDER BY path",
		ColumnList: cols,
		CountOpt:   100,
	}
}

func sum(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestQueryTemplate(t *testing.T) {
	q := Query{
		RowFilter:  "WHERE path BETWEEN '?' and '?' ORDER BY path",
		ColumnList: []string{"path, checksum"},
		CountOpt:   100,
	}
	require.Equal(t, 2, q.Placeholders())
	require.NoError(t, q.Validate(2))
	require.ErrorIs(t, q.Validate(1), ErrInvalidQuery)

	sql, err := renderQuery("entry_path", q, false)
	require.NoError(t, err)
	require.Equal(t, "SELECT path, checksum FROM `entry_path` WHERE path BETWEEN ? and ? ORDER BY path ASC", sql)

	sql, err = renderQuery("entry_path", Query{DistinctOpt: true, OrderByOpt: "path DESC", CountOpt: 1}, true)
	require.NoError(t, err)
	require.Equal(t, "SELECT DISTINCT * FROM `entry_path` ORDER BY path DESC LIMIT 1", sql)
}

func TestDuplicateOrderByIsRejected(t *testing.T) {
	q := Query{
		RowFilter:  "WHERE path IS NOT NULL ORDER BY path",
		OrderByOpt: "path DESC",
	}
	require.ErrorIs(t, q.Validate(0), ErrInvalidQuery)

	_, err := renderQuery("entry_path", q, false)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, _, err = openTestDB(t).BoundKey(context.Background(), "entry_path", "path", q)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestBoundKey(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first, found, err := db.BoundKey(ctx, "entry_path", "path", Query{ColumnList: []string{"path"}, OrderByOpt: "path ASC", CountOpt: 1})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keyrange.String(unicodePath), first)

	last, found, err := db.BoundKey(ctx, "entry_path", "path", Query{ColumnList: []string{"path"}, OrderByOpt: "path DESC", CountOpt: 1})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keyrange.String(gzioMod), last)

	_, found, err = db.BoundKey(ctx, "entry_path", "path", Query{ColumnList: []string{"path"}, RowFilter: "WHERE path is null", CountOpt: 1})
	require.NoError(t, err)
	require.False(t, found)

	inode, found, err := db.BoundKey(ctx, "entry_path", "inode_id", Query{ColumnList: []string{"inode_id"}, OrderByOpt: "inode_id DESC", CountOpt: 1})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keyrange.Int(5), inode)
}

func TestCountAndKeys(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	all := keyrange.New(keyrange.String(unicodePath), keyrange.String(gzioMod))

	countQuery := rangeQuery("count(*) AS count ")
	countQuery.CountFieldName = "count"
	n, err := db.CountRange(ctx, "entry_path", countQuery, all)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	keys, err := db.KeysFrom(ctx, "entry_path", "path", all, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []keyrange.Key{keyrange.String(grubenvPath), keyrange.String(datehookMod)}, keys)

	keys, err = db.KeysFrom(ctx, "entry_path", "path", all, 5, 2)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestChecksumRange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	got, err := db.ChecksumRange(ctx, "entry_path", rangeQuery("path, checksum"), "checksum",
		keyrange.New(keyrange.String(unicodePath), keyrange.String(grubenvPath)))
	require.NoError(t, err)
	require.Equal(t, sum("96482cde495f716fcd66a71a601fbb905c13b426", "e041159610c7ec18490345af13f7f49371b56893"), got)

	got, err = db.ChecksumRange(ctx, "entry_path", rangeQuery("path, checksum"), "checksum",
		keyrange.New(keyrange.String("/zzz"), keyrange.String("/zzzz")))
	require.NoError(t, err)
	require.Equal(t, EmptyChecksum, got)

	_, err = db.ChecksumRange(ctx, "entry_path", rangeQuery("path"), "checksum",
		keyrange.New(keyrange.String(unicodePath), keyrange.String(grubenvPath)))
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRowsInRangeAndRowByKey(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	all := keyrange.New(keyrange.String(unicodePath), keyrange.String(gzioMod))

	var paths []any
	err := db.RowsInRange(ctx, "entry_path", "path", Query{RowFilter: " ", ColumnList: []string{"path, inode_id, checksum"}}, all, func(r Row) error {
		paths = append(paths, r["path"])
		return nil
	})
	require.NoError(t, err)
	require.Len(t, paths, 5)
	require.Equal(t, unicodePath, paths[0])
	require.Equal(t, gzioMod, paths[4])

	row, found, err := db.RowByKey(ctx, "entry_path", Query{RowFilter: "WHERE path ='?'", CountOpt: 100}, keyrange.String(grubenvPath))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), row["inode_id"])
	require.Equal(t, "e041159610c7ec18490345af13f7f49371b56893", row["checksum"])

	_, found, err = db.RowByKey(ctx, "entry_path", Query{RowFilter: "WHERE path ='?'"}, keyrange.String("/missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInvalidFilterIsQueryError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	q := rangeQuery("count(*) AS count")
	q.RowFilter = "WHEREx path BETWEEN '?' and '?' ORDER BY path"
	_, err := db.CountRange(ctx, "entry_path", q, keyrange.New(keyrange.String(unicodePath), keyrange.String(gzioMod)))
	require.ErrorIs(t, err, ErrQuery)
}

func TestClosedHandle(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory(ctx)
	require.NoError(t, err)
	require.True(t, db.Alive())
	require.NotEmpty(t, db.ID())

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	require.False(t, db.Alive())

	_, _, err = db.BoundKey(ctx, "entry_path", "path", Query{ColumnList: []string{"path"}})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.ExecScript(ctx, entryPathSchema), ErrClosed)
}
