package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store is the wallet's durable view: derived scripts with their paths,
// tracked transactions, confirmation heights, block headers for timestamps,
// and the two derivation counters.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening wallet db")
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS scripts (
  script TEXT NOT NULL PRIMARY KEY,
  chain INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  UNIQUE(chain, idx)
  );`,
		`CREATE TABLE IF NOT EXISTS txs (
  txid TEXT NOT NULL PRIMARY KEY,
  raw BLOB NOT NULL
  );`,
		`CREATE TABLE IF NOT EXISTS heights (
  txid TEXT NOT NULL PRIMARY KEY,
  height INTEGER
  );`,
		`CREATE TABLE IF NOT EXISTS indexes (
  chain INTEGER NOT NULL PRIMARY KEY,
  value INTEGER NOT NULL
  );`,
		`CREATE TABLE IF NOT EXISTS headers (
  height INTEGER NOT NULL PRIMARY KEY,
  raw BLOB NOT NULL
  );`,
	}
	for _, query := range tables {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "error creating wallet tables")
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertScript(ctx context.Context, entry ScriptEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scripts VALUES(?, ?, ?)`,
		hex.EncodeToString(entry.Script), entry.Chain, entry.Index)
	return errors.Wrap(err, "error storing script entry")
}

func (s *Store) ScriptAt(ctx context.Context, chain Chain, index uint32) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT script FROM scripts WHERE chain = ? AND idx = ?`, chain, index)
	var encoded string
	if err := row.Scan(&encoded); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "error reading script entry")
	}
	script, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, false, errors.Wrap(err, "error decoding stored script")
	}
	return script, true, nil
}

func (s *Store) PathForScript(ctx context.Context, script []byte) (Chain, uint32, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chain, idx FROM scripts WHERE script = ?`, hex.EncodeToString(script))
	var chain Chain
	var index uint32
	if err := row.Scan(&chain, &index); err == sql.ErrNoRows {
		return 0, 0, false, nil
	} else if err != nil {
		return 0, 0, false, errors.Wrap(err, "error reading script path")
	}
	return chain, index, true, nil
}

func (s *Store) AllScripts(ctx context.Context) (map[string]ScriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT script, chain, idx FROM scripts`)
	if err != nil {
		return nil, errors.Wrap(err, "error listing scripts")
	}
	defer rows.Close()

	entries := make(map[string]ScriptEntry)
	for rows.Next() {
		var encoded string
		var entry ScriptEntry
		if err := rows.Scan(&encoded, &entry.Chain, &entry.Index); err != nil {
			return nil, errors.Wrap(err, "error scanning script entry")
		}
		if entry.Script, err = hex.DecodeString(encoded); err != nil {
			return nil, errors.Wrap(err, "error decoding stored script")
		}
		entries[encoded] = entry
	}
	return entries, rows.Err()
}

func (s *Store) InsertTx(ctx context.Context, txid *chainhash.Hash, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return errors.Wrap(err, "error serializing transaction")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO txs VALUES(?, ?)`, txid.String(), buf.Bytes())
	return errors.Wrap(err, "error storing transaction")
}

func (s *Store) GetTx(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT raw FROM txs WHERE txid = ?`, txid.String())
	var raw []byte
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "error reading transaction")
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, errors.Wrap(err, "error decoding stored transaction")
	}
	return &tx, true, nil
}

func (s *Store) AllTxids(ctx context.Context) (map[chainhash.Hash]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT txid FROM txs`)
	if err != nil {
		return nil, errors.Wrap(err, "error listing transaction ids")
	}
	defer rows.Close()

	txids := make(map[chainhash.Hash]struct{})
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, errors.Wrap(err, "error scanning txid")
		}
		txid, err := chainhash.NewHashFromStr(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "error decoding stored txid")
		}
		txids[*txid] = struct{}{}
	}
	return txids, rows.Err()
}

func (s *Store) AllTransactions(ctx context.Context) (map[chainhash.Hash]*wire.MsgTx, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT txid, raw FROM txs`)
	if err != nil {
		return nil, errors.Wrap(err, "error listing transactions")
	}
	defer rows.Close()

	txs := make(map[chainhash.Hash]*wire.MsgTx)
	for rows.Next() {
		var encoded string
		var raw []byte
		if err := rows.Scan(&encoded, &raw); err != nil {
			return nil, errors.Wrap(err, "error scanning transaction")
		}
		txid, err := chainhash.NewHashFromStr(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "error decoding stored txid")
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrap(err, "error decoding stored transaction")
		}
		txs[*txid] = &tx
	}
	return txs, rows.Err()
}

// UpsertHeight records a transaction as tracked, with its confirmation height
// or nil while unconfirmed. Re-upserting with a different height repairs a
// reorged entry.
func (s *Store) UpsertHeight(ctx context.Context, txid *chainhash.Hash, height *int32) error {
	var value interface{}
	if height != nil {
		value = *height
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO heights VALUES(?, ?)`, txid.String(), value)
	return errors.Wrap(err, "error storing height")
}

// ClearHeight demotes a tracked transaction to unconfirmed without untracking
// it.
func (s *Store) ClearHeight(ctx context.Context, txid *chainhash.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE heights SET height = NULL WHERE txid = ?`, txid.String())
	return errors.Wrap(err, "error clearing height")
}

// TrackedHeights returns every tracked transaction id with its confirmation
// height, nil for unconfirmed ones.
func (s *Store) TrackedHeights(ctx context.Context) (map[chainhash.Hash]*int32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT txid, height FROM heights`)
	if err != nil {
		return nil, errors.Wrap(err, "error listing heights")
	}
	defer rows.Close()

	heights := make(map[chainhash.Hash]*int32)
	for rows.Next() {
		var encoded string
		var height sql.NullInt32
		if err := rows.Scan(&encoded, &height); err != nil {
			return nil, errors.Wrap(err, "error scanning height")
		}
		txid, err := chainhash.NewHashFromStr(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "error decoding stored txid")
		}
		if height.Valid {
			value := height.Int32
			heights[*txid] = &value
		} else {
			heights[*txid] = nil
		}
	}
	return heights, rows.Err()
}

func (s *Store) LastIndex(ctx context.Context, chain Chain) (uint32, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM indexes WHERE chain = ?`, chain)
	var value uint32
	if err := row.Scan(&value); err == sql.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, errors.Wrap(err, "error reading index counter")
	}
	return value, nil
}

// SetLastIndex raises the chain's counter to the given value. Counters never
// decrease.
func (s *Store) SetLastIndex(ctx context.Context, chain Chain, value uint32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO indexes VALUES(?, ?)
ON CONFLICT(chain) DO UPDATE SET value = MAX(value, excluded.value)`, chain, value)
	return errors.Wrap(err, "error storing index counter")
}

// IncrementIndex allocates the next derivation index on the chain and returns
// it.
func (s *Store) IncrementIndex(ctx context.Context, chain Chain) (uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "error starting index allocation")
	}
	defer tx.Rollback()

	var value uint32
	row := tx.QueryRowContext(ctx, `SELECT value FROM indexes WHERE chain = ?`, chain)
	if err := row.Scan(&value); err != nil && err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "error reading index counter")
	}

	value++
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO indexes VALUES(?, ?)`, chain, value); err != nil {
		return 0, errors.Wrap(err, "error storing index counter")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "error committing index allocation")
	}
	return value, nil
}

func (s *Store) InsertHeader(ctx context.Context, height int32, header *wire.BlockHeader) error {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return errors.Wrap(err, "error serializing header")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO headers VALUES(?, ?)`, height, buf.Bytes())
	return errors.Wrap(err, "error storing header")
}

func (s *Store) GetHeader(ctx context.Context, height int32) (*wire.BlockHeader, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT raw FROM headers WHERE height = ?`, height)
	var raw []byte
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "error reading header")
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, errors.Wrap(err, "error decoding stored header")
	}
	return &header, true, nil
}

func (s *Store) HeaderHeights(ctx context.Context) (map[int32]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT height FROM headers`)
	if err != nil {
		return nil, errors.Wrap(err, "error listing header heights")
	}
	defer rows.Close()

	heights := make(map[int32]struct{})
	for rows.Next() {
		var height int32
		if err := rows.Scan(&height); err != nil {
			return nil, errors.Wrap(err, "error scanning header height")
		}
		heights[height] = struct{}{}
	}
	return heights, rows.Err()
}
