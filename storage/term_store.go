package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	raft "github.com/Konstantsiy/raft-replication"
)

// TermStore keeps the current term and vote of a node in SQLite.
type TermStore struct {
	mx sync.RWMutex
	db *sql.DB

	currentTerm int64
	votedFor    raft.PeerID
	path        string
}

// OpenTermStore opens (or creates) <dataDir>/state/node_<id>.db and loads the stored term.
func OpenTermStore(nodeID raft.PeerID, dataDir string) (*TermStore, error) {
	var stateDir = filepath.Join(dataDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}

	var path = filepath.Join(stateDir, fmt.Sprintf("node_%d.db", nodeID))

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	var ts = &TermStore{db: db, path: path}

	if err = ts.initializeSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	if err = ts.load(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to load term")
	}

	return ts, nil
}

func (ts *TermStore) initializeSchema() error {
	var schema = `
	CREATE TABLE IF NOT EXISTS raft_term (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		current_term INTEGER NOT NULL DEFAULT 0,
		voted_for INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO raft_term (id, current_term, voted_for) VALUES (1, 0, 0);
	`

	_, err := ts.db.Exec(schema)
	return err
}

func (ts *TermStore) load() error {
	var votedFor int64

	var row = ts.db.QueryRow("SELECT current_term, voted_for FROM raft_term WHERE id = 1")
	if err := row.Scan(&ts.currentTerm, &votedFor); err != nil {
		return err
	}

	ts.votedFor = raft.PeerID(votedFor)
	return nil
}

func (ts *TermStore) CurrentTerm() int64 {
	ts.mx.RLock()
	defer ts.mx.RUnlock()

	return ts.currentTerm
}

func (ts *TermStore) VotedFor() raft.PeerID {
	ts.mx.RLock()
	defer ts.mx.RUnlock()

	return ts.votedFor
}

// UpdateAndPersist stores term and vote, the in-memory values change only if the write succeeded.
func (ts *TermStore) UpdateAndPersist(term int64, votedFor raft.PeerID) error {
	ts.mx.Lock()
	defer ts.mx.Unlock()

	_, err := ts.db.Exec("UPDATE raft_term SET current_term = ?, voted_for = ? WHERE id = 1", term, int64(votedFor))
	if err != nil {
		return errors.Wrapf(err, "failed to persist term %d", term)
	}

	ts.currentTerm = term
	ts.votedFor = votedFor

	return nil
}

func (ts *TermStore) Path() string {
	return ts.path
}

func (ts *TermStore) Close() error {
	return ts.db.Close()
}
