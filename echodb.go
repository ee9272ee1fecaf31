package csmanet

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteEchoWriter keeps the echo exchanges of a run in a SQLite database.
// Exchanges are buffered and written in batches.
type SQLiteEchoWriter struct {
	*sql.DB
	statement *sql.Stmt

	dbName    string
	runID     string
	toWrite   []EchoExchange
	batchSize int
	written   int
}

// echoDBName resolves the database path.  "auto", or a path ending in a separator,
// names the file after a fresh xid
func echoDBName(path string) string {
	if path == "auto" {
		return "echo_" + xid.New().String() + ".sqlite3"
	}
	if strings.HasSuffix(path, string(os.PathSeparator)) {
		return filepath.Join(path, "echo_"+xid.New().String()+".sqlite3")
	}
	return path
}

// NewSQLiteEchoWriter creates the database and its table.  Buffered exchanges are
// flushed when the program exits through atexit.
func NewSQLiteEchoWriter(path string, runID string) (*SQLiteEchoWriter, error) {
	w := &SQLiteEchoWriter{
		dbName:    echoDBName(path),
		runID:     runID,
		batchSize: 10000,
	}

	db, err := sql.Open("sqlite3", w.dbName)
	if err != nil {
		return nil, fmt.Errorf("echo db %s: %w", w.dbName, err)
	}
	w.DB = db

	if err := w.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	if err := w.prepareStatement(); err != nil {
		db.Close()
		return nil, err
	}

	atexit.Register(func() { w.Flush() })
	return w, nil
}

// Name returns the path of the database file
func (w *SQLiteEchoWriter) Name() string {
	return w.dbName
}

func (w *SQLiteEchoWriter) createTable() error {
	_, err := w.Exec(`
		create table if not exists echo_exchange (
			run_id    varchar(20),
			client    varchar(64),
			seq       integer,
			sent      float,
			received  float,
			rtt       float,
			bytes     integer
		);`)
	if err != nil {
		return fmt.Errorf("echo db %s: %w", w.dbName, err)
	}
	return nil
}

func (w *SQLiteEchoWriter) prepareStatement() error {
	stmt, err := w.Prepare(`insert into echo_exchange
		(run_id, client, seq, sent, received, rtt, bytes) values (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("echo db %s: %w", w.dbName, err)
	}
	w.statement = stmt
	return nil
}

// RecordExchange buffers an exchange, writing the buffer out once it is full
func (w *SQLiteEchoWriter) RecordExchange(ex EchoExchange) {
	w.toWrite = append(w.toWrite, ex)
	if len(w.toWrite) >= w.batchSize {
		w.Flush()
	}
}

// Flush writes all the buffered exchanges to the database
func (w *SQLiteEchoWriter) Flush() {
	if len(w.toWrite) == 0 || w.statement == nil {
		return
	}

	tx, err := w.Begin()
	if err != nil {
		panic(err)
	}
	stmt := tx.Stmt(w.statement)
	for _, ex := range w.toWrite {
		_, err := stmt.Exec(w.runID, ex.Client, ex.Seq, ex.Sent, ex.Received, ex.RTT(), ex.Bytes)
		if err != nil {
			tx.Rollback()
			panic(err)
		}
	}
	if err := tx.Commit(); err != nil {
		panic(err)
	}

	w.written += len(w.toWrite)
	w.toWrite = nil
}

// Close flushes what is buffered and closes the database
func (w *SQLiteEchoWriter) Close() error {
	w.Flush()
	if w.statement != nil {
		w.statement.Close()
		w.statement = nil
	}
	return w.DB.Close()
}

// CountExchanges returns the number of exchanges stored for a client, or for every client
// when the name is empty
func (w *SQLiteEchoWriter) CountExchanges(client string) (int, error) {
	var n int
	var err error
	if len(client) == 0 {
		err = w.QueryRow(`select count(*) from echo_exchange`).Scan(&n)
	} else {
		err = w.QueryRow(`select count(*) from echo_exchange where client = ?`, client).Scan(&n)
	}
	return n, err
}
