package headerstore

import (
	"bytes"
	"encoding/binary"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/darwayne/errutil"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrChainDiscontinuity is returned by Append when the first header of the
// batch does not reference the hash of the current tip, or when a header
// inside the batch does not chain from the one before it.
var ErrChainDiscontinuity = errors.New("header does not chain from current tip")

var tipKey = []byte("tip")

var syncWrite = &opt.WriteOptions{Sync: true}

// Store is an append-only, durable chain of block headers for one network.
// Height is the key: headers[h] always chains from headers[h-1]. The genesis
// header is seeded on first open so the chain is never empty.
type Store struct {
	db     *leveldb.DB
	params *chaincfg.Params
	tip    uint32
}

func Open(path string, params *chaincfg.Params) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error opening header db")
	}

	s := &Store{db: db, params: params}

	raw, err := db.Get(tipKey, nil)
	if err == leveldb.ErrNotFound {
		genesis := params.GenesisBlock.Header
		batch := new(leveldb.Batch)
		batch.Put(heightKey(0), serializeHeader(&genesis))
		batch.Put(tipKey, encodeHeight(0))
		if err := db.Write(batch, syncWrite); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "error seeding genesis header")
		}
		return s, nil
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error reading tip")
	}

	s.tip = binary.BigEndian.Uint32(raw)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Height returns the height of the best stored header.
func (s *Store) Height() uint32 {
	return s.tip
}

func (s *Store) HeaderAt(height uint32) (*wire.BlockHeader, error) {
	raw, err := s.db.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, errutil.NewNotFound("no header at requested height")
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading header")
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "error decoding stored header")
	}
	return &header, nil
}

// Append extends the chain starting at Height()+1. The whole batch is checked
// for continuity before anything is written, and the write is synced to disk
// before Append returns.
func (s *Store) Append(headers []wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	tipHeader, err := s.HeaderAt(s.tip)
	if err != nil {
		return err
	}

	prevHash := tipHeader.BlockHash()
	for i := range headers {
		if headers[i].PrevBlock != prevHash {
			return errors.Wrapf(ErrChainDiscontinuity,
				"batch element %d expects parent %s", i, headers[i].PrevBlock)
		}
		prevHash = headers[i].BlockHash()
	}

	batch := new(leveldb.Batch)
	height := s.tip
	for i := range headers {
		height++
		batch.Put(heightKey(height), serializeHeader(&headers[i]))
	}
	batch.Put(tipKey, encodeHeight(height))

	if err := s.db.Write(batch, syncWrite); err != nil {
		return errors.Wrap(err, "error persisting headers")
	}

	s.tip = height
	return nil
}

// Truncate drops every header above the given height, so a caller that has
// detected a conflicting tip can re-append from a known-good point.
func (s *Store) Truncate(height uint32) error {
	if height >= s.tip {
		return nil
	}

	batch := new(leveldb.Batch)
	for h := height + 1; h <= s.tip; h++ {
		batch.Delete(heightKey(h))
	}
	batch.Put(tipKey, encodeHeight(height))

	if err := s.db.Write(batch, syncWrite); err != nil {
		return errors.Wrap(err, "error truncating headers")
	}

	s.tip = height
	return nil
}

func heightKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = 'h'
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}

func encodeHeight(height uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, height)
	return buf
}

func serializeHeader(header *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	header.Serialize(&buf)
	return buf.Bytes()
}
