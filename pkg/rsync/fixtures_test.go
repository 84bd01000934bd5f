package rsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
)

const entryPathSchema = `
PRAGMA foreign_keys=OFF;
BEGIN TRANSACTION;
CREATE TABLE entry_path (path TEXT NOT NULL, inode_id INTEGER, mode INTEGER, last_event INTEGER, entry_type INTEGER, scanned INTEGER, options INTEGER, checksum TEXT NOT NULL, PRIMARY KEY(path));
COMMIT;`

const entryPathRows = `
INSERT INTO entry_path VALUES('/boot/grub2/fonts/unicode.pf2',1,0,1596489273,0,1,131583,'96482cde495f716fcd66a71a601fbb905c13b426');
INSERT INTO entry_path VALUES('/boot/grub2/grubenv',2,0,1596489273,0,1,131583,'e041159610c7ec18490345af13f7f49371b56893');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/datehook.mod',3,0,1596489273,0,1,131583,'f83bc87319566e270fcece2fae4910bc18fe7355');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/gcry_whirlpool.mod',4,0,1596489273,0,1,131583,'d59ffd58d107b9398ff5a809097f056b903b3c3e');
INSERT INTO entry_path VALUES('/boot/grub2/i386-pc/gzio.mod',5,0,1596489273,0,1,131583,'e4a541bdcf17cb5435064881a1616befdc71f871');`

type entry struct {
	path     string
	inode    int
	checksum string
}

var entries = []entry{
	{"/boot/grub2/fonts/unicode.pf2", 1, "96482cde495f716fcd66a71a601fbb905c13b426"},
	{"/boot/grub2/grubenv", 2, "e041159610c7ec18490345af13f7f49371b56893"},
	{"/boot/grub2/i386-pc/datehook.mod", 3, "f83bc87319566e270fcece2fae4910bc18fe7355"},
	{"/boot/grub2/i386-pc/gcry_whirlpool.mod", 4, "d59ffd58d107b9398ff5a809097f056b903b3c3e"},
	{"/boot/grub2/i386-pc/gzio.mod", 5, "e4a541bdcf17cb5435064881a1616befdc71f871"},
}

const (
	testComponent = "test_component"
	testTimestamp = 1596489273
)

const registrationJSON = `{
	"decoder_type": "JSON_RANGE",
	"table": "entry_path",
	"component": "test_component",
	"index": "path",
	"last_event": "last_event",
	"checksum_field": "checksum",
	"no_data_query_json": {
		"row_filter": " ",
		"column_list": ["path, inode_id, mode, last_event, entry_type, scanned, options, checksum"],
		"distinct_opt": false,
		"order_by_opt": "",
		"count_opt": 100
	},
	"count_range_query_json": {
		"row_filter": "WHERE path BETWEEN '?' and '?' ORDER BY path",
		"column_list": ["count(*) AS count "],
		"distinct_opt": false,
		"order_by_opt": "",
		"count_field_name": "count",
		"count_opt": 100
	},
	"row_data_query_json": {
		"row_filter": "WHERE path ='?'",
		"column_list": ["path, inode_id, mode, last_event, entry_type, scanned, options, checksum"],
		"distinct_opt": false,
		"order_by_opt": "",
		"count_opt": 1
	},
	"range_checksum_query_json": {
		"row_filter": "WHERE path BETWEEN '?' and '?' ORDER BY path",
		"column_list": ["path, inode_id, mode, last_event, entry_type, scanned, options, checksum"],
		"distinct_opt": false,
		"order_by_opt": "",
		"count_opt": 100
	}
}`

const startJSON = `{
	"table": "entry_path",
	"component": "test_component",
	"index": "path",
	"last_event": "last_event",
	"checksum_field": "checksum",
	"first_query": {
		"row_filter": " ",
		"column_list": ["path"],
		"distinct_opt": false,
		"order_by_opt": "path ASC",
		"count_opt": 1
	},
	"last_query": {
		"row_filter": " ",
		"column_list": ["path"],
		"distinct_opt": false,
		"order_by_opt": "path DESC",
		"count_opt": 1
	},
	"range_checksum_query_json": {
		"row_filter": "WHERE path BETWEEN '?' and '?' ORDER BY path",
		"column_list": ["path, checksum"],
		"distinct_opt": false,
		"order_by_opt": "",
		"count_opt": 100
	}
}`

func openEntryPath(t *testing.T, withRows bool) *dbsync.DB {
	t.Helper()
	ctx := context.Background()

	db, err := dbsync.Open(ctx, filepath.Join(t.TempDir(), "rsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.ExecScript(ctx, entryPathSchema))
	if withRows {
		require.NoError(t, db.ExecScript(ctx, entryPathRows))
	}
	return db
}

func registrationConfig(t *testing.T) RegistrationConfig {
	t.Helper()
	cfg, err := ParseRegistrationConfig([]byte(registrationJSON))
	require.NoError(t, err)
	return cfg
}

func startConfig(t *testing.T) StartConfig {
	t.Helper()
	cfg, err := ParseStartConfig([]byte(startJSON))
	require.NoError(t, err)
	return cfg
}

func fixedClock() time.Time {
	return time.Unix(testTimestamp, 0)
}

func checksumOf(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stateJSON(e entry) string {
	return fmt.Sprintf(
		`{"component":"test_component","data":{"attributes":{"checksum":%q,"entry_type":0,"inode_id":%d,"last_event":%d,"mode":0,"options":131583,"path":%q,"scanned":1},"index":%q,"timestamp":%d},"type":"state"}`,
		e.checksum, e.inode, testTimestamp, e.path, e.path, testTimestamp,
	)
}

func frame(id string, kind string, begin string, end string, requestID int64) []byte {
	return []byte(fmt.Sprintf(`%s %s {"begin":%q,"end":%q,"id":%d}`, id, kind, begin, end, requestID))
}

// recorder is a Sink keeping every payload it receives.
type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) Emit(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}
