// Package journal persists sent partial messages and received complete
// messages, keyed by sequence number, for gap recovery. The store is a local
// SQLite database opened per pusher/popper lifecycle.
package journal

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	createRecvTable = `CREATE TABLE IF NOT EXISTS RECV_MESSAGES (
		seqnum INTEGER PRIMARY KEY,
		timestamp_seconds INTEGER,
		timestamp_microseconds INTEGER,
		msg BLOB)`
	createSentTable = `CREATE TABLE IF NOT EXISTS SENT_MESSAGES (
		seqnum INTEGER PRIMARY KEY,
		timestamp_seconds INTEGER,
		timestamp_microseconds INTEGER,
		ttl_seconds INTEGER,
		ttl_useconds INTEGER,
		msg_type TEXT,
		partial_msg_length INTEGER,
		partial_msg BLOB)`

	insertRecvStmt = `INSERT OR REPLACE INTO RECV_MESSAGES
		(seqnum, timestamp_seconds, timestamp_microseconds, msg)
		VALUES(?1, ?2, ?3, ?4)`
	insertSentStmt = `INSERT OR REPLACE INTO SENT_MESSAGES
		(seqnum, timestamp_seconds, timestamp_microseconds,
		 ttl_seconds, ttl_useconds, msg_type, partial_msg_length, partial_msg)
		VALUES(?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)`

	maxRecvStmt = `SELECT MAX(seqnum) FROM RECV_MESSAGES`
	maxSentStmt = `SELECT MAX(seqnum) FROM SENT_MESSAGES`

	selectSentStmt      = `SELECT seqnum, ttl_seconds, ttl_useconds, msg_type, partial_msg_length, partial_msg FROM SENT_MESSAGES WHERE seqnum >= ?1 AND seqnum <= ?2 ORDER BY seqnum`
	selectSentOpenEnded = `SELECT seqnum, ttl_seconds, ttl_useconds, msg_type, partial_msg_length, partial_msg FROM SENT_MESSAGES WHERE seqnum >= ?1 ORDER BY seqnum`
)

// possDupReserve is spare capacity on returned partial messages for
// in-place insertion of the PossDupFlag tag on resend.
const possDupReserve = 5

// SentRecord is one row of the sent-message table as served to the resend
// path. An expired record carries Length 0 and no bytes; the caller treats
// it as a gap-fill placeholder.
type SentRecord struct {
	Seq       uint64
	MsgType   string
	Length    uint32
	Partial   []byte
	ExpiresAt time.Time
}

// Expired reports whether the record's TTL had passed at load time.
func (r *SentRecord) Expired() bool {
	return r.Length == 0
}

// Journal is a sequence-indexed persistent message store.
//
// The writer goroutine is the sole writer to the sent table; the splitter
// goroutine is the sole writer to the received table.
type Journal struct {
	path string
	log  *zap.Logger

	db         *sql.DB
	insertRecv *sql.Stmt
	insertSent *sql.Stmt
	maxRecv    *sql.Stmt
	maxSent    *sql.Stmt
}

// New returns an unopened journal backed by the database at path.
// ":memory:" yields a private in-memory store.
func New(path string, log *zap.Logger) *Journal {
	return &Journal{path: path, log: log}
}

// Path returns the configured database path.
func (j *Journal) Path() string {
	return j.path
}

// SetPath changes the database path. Only legal while closed.
func (j *Journal) SetPath(path string) bool {
	if j.db != nil {
		return false
	}
	j.path = path
	return true
}

// Open creates the tables if absent and prepares the hot statements.
// Write-ahead logging is requested for crash durability; if unsupported the
// journal degrades to the default mode but still functions.
func (j *Journal) Open() error {
	if j.db != nil {
		return nil
	}
	if j.path == "" {
		return errors.New("journal: no database path set")
	}

	db, err := sql.Open("sqlite", j.path)
	if err != nil {
		return errors.Wrap(err, "journal: open")
	}
	// The journal is single-writer per table; one connection keeps the
	// prepared statements and the WAL pragma on the same handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		j.log.Warn("could not enable WAL, continuing in default mode", zap.Error(err))
	}

	for _, ddl := range []string{createRecvTable, createSentTable} {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return errors.Wrap(err, "journal: create table")
		}
	}

	prepared := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&j.insertRecv, insertRecvStmt},
		{&j.insertSent, insertSentStmt},
		{&j.maxRecv, maxRecvStmt},
		{&j.maxSent, maxSentStmt},
	}
	for _, p := range prepared {
		stmt, err := db.Prepare(p.sql)
		if err != nil {
			_ = db.Close()
			return errors.Wrap(err, "journal: prepare")
		}
		*p.dst = stmt
	}

	j.db = db
	return nil
}

// Close finalizes the prepared statements and closes the handle, retrying a
// busy database up to five times at one-second intervals.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}

	var err error
	for _, stmt := range []*sql.Stmt{j.insertRecv, j.insertSent, j.maxRecv, j.maxSent} {
		if stmt != nil {
			err = multierr.Append(err, stmt.Close())
		}
	}
	j.insertRecv, j.insertSent, j.maxRecv, j.maxSent = nil, nil, nil, nil

	for attempt := 0; ; attempt++ {
		closeErr := j.db.Close()
		if closeErr == nil {
			break
		}
		if attempt == 5 {
			return multierr.Append(err, errors.Wrap(closeErr, "journal: close"))
		}
		time.Sleep(time.Second)
	}
	j.db = nil
	return err
}

// StoreSent upserts a sent partial message. ttl is the absolute expiry
// instant computed at push time.
func (j *Journal) StoreSent(seq uint64, ttl time.Time, msgType string, partial []byte) error {
	if j.db == nil {
		return errors.New("journal: not open")
	}
	now := time.Now()
	_, err := j.insertSent.Exec(
		int64(seq),
		now.Unix(), int64(now.Nanosecond()/1e3),
		ttl.Unix(), int64(ttl.Nanosecond()/1e3),
		msgType, len(partial), partial,
	)
	return errors.Wrap(err, "journal: store sent")
}

// StoreRecv upserts a received complete message.
func (j *Journal) StoreRecv(seq uint64, msg []byte) error {
	if j.db == nil {
		return errors.New("journal: not open")
	}
	now := time.Now()
	_, err := j.insertRecv.Exec(int64(seq), now.Unix(), int64(now.Nanosecond()/1e3), msg)
	return errors.Wrap(err, "journal: store recv")
}

// LatestSentSeq returns MAX(seqnum) of the sent table, 0 if empty.
func (j *Journal) LatestSentSeq() (uint64, error) {
	return j.latest(j.maxSent)
}

// LatestRecvSeq returns MAX(seqnum) of the received table, 0 if empty.
func (j *Journal) LatestRecvSeq() (uint64, error) {
	return j.latest(j.maxRecv)
}

func (j *Journal) latest(stmt *sql.Stmt) (uint64, error) {
	if j.db == nil {
		return 0, errors.New("journal: not open")
	}
	var seq sql.NullInt64
	if err := stmt.QueryRow().Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "journal: max seqnum")
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// GetSent loads the sent rows in [start, end]; end 0 means open-ended. Rows
// whose TTL has passed are returned as gap-fill placeholders (Length 0).
// Live rows carry a copy of the partial bytes with spare capacity for
// in-place PossDupFlag insertion.
func (j *Journal) GetSent(start, end uint64) ([]SentRecord, error) {
	if j.db == nil {
		return nil, errors.New("journal: not open")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if end == 0 {
		rows, err = j.db.Query(selectSentOpenEnded, int64(start))
	} else {
		rows, err = j.db.Query(selectSentStmt, int64(start), int64(end))
	}
	if err != nil {
		return nil, errors.Wrap(err, "journal: select sent")
	}
	defer rows.Close()

	now := time.Now()
	var records []SentRecord
	for rows.Next() {
		var (
			seq, ttlSec, ttlUsec, length int64
			msgType                      string
			blob                         []byte
		)
		if err := rows.Scan(&seq, &ttlSec, &ttlUsec, &msgType, &length, &blob); err != nil {
			return nil, errors.Wrap(err, "journal: scan sent")
		}

		rec := SentRecord{
			Seq:       uint64(seq),
			ExpiresAt: time.Unix(ttlSec, ttlUsec*1e3),
		}
		if !now.Before(rec.ExpiresAt) {
			records = append(records, rec)
			continue
		}

		rec.MsgType = msgType
		rec.Length = uint32(length)
		rec.Partial = make([]byte, length, length+possDupReserve)
		copy(rec.Partial, blob)
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "journal: select sent")
}
