// Package store keeps the chain data of the node in byte-keyed tables on top
// of a lachesis-base kvdb.Store: headers, canonical numbers, bodies,
// receipts, recovered senders, transaction lookups, stage checkpoints and a
// small metadata table. Sidecars and consensus snapshots live in the same
// database under their own prefixes, owned by the sidecars and parlia
// packages.
//
// Reads go through kvdb tables. Writes are collected in a Batch spanning
// every table and applied with a single atomic Write, which is the commit
// primitive the import pipeline relies on.
package store

import (
	"math/big"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/kvdb"
	"github.com/Fantom-foundation/lachesis-base/kvdb/table"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/rony4d/go-parlia/inter"
)

// Table prefixes. Every table owns a single-byte prefix of the shared
// database.
var (
	HeadersPrefix      = []byte("h") // hash -> rlp(header)
	HeaderNumberPrefix = []byte("H") // hash -> number
	CanonicalPrefix    = []byte("c") // number -> hash
	BodiesPrefix       = []byte("b") // hash -> rlp(body)
	ReceiptsPrefix     = []byte("r") // hash -> rlp(receipts)
	SendersPrefix      = []byte("f") // hash -> rlp(senders)
	TxLookupPrefix     = []byte("l") // tx hash -> number
	CheckpointsPrefix  = []byte("C") // stage id -> number
	MetaPrefix         = []byte("m") // key -> value
	ExecRootsPrefix    = []byte("e") // hash -> executed state root
	SidecarsPrefix     = []byte("s") // owned by the sidecars package
	SidecarIndexPrefix = []byte("S") // owned by the sidecars package
	SnapshotsPrefix    = []byte("p") // owned by the parlia package
)

// Store is the chain database.
type Store struct {
	db kvdb.Store

	table struct {
		Headers      kvdb.Store
		HeaderNumber kvdb.Store
		Canonical    kvdb.Store
		Bodies       kvdb.Store
		Receipts     kvdb.Store
		Senders      kvdb.Store
		TxLookup     kvdb.Store
		Checkpoints  kvdb.Store
		Meta         kvdb.Store
		ExecRoots    kvdb.Store
	}
}

// New wraps db.
func New(db kvdb.Store) *Store {
	s := &Store{db: db}
	s.table.Headers = table.New(db, HeadersPrefix)
	s.table.HeaderNumber = table.New(db, HeaderNumberPrefix)
	s.table.Canonical = table.New(db, CanonicalPrefix)
	s.table.Bodies = table.New(db, BodiesPrefix)
	s.table.Receipts = table.New(db, ReceiptsPrefix)
	s.table.Senders = table.New(db, SendersPrefix)
	s.table.TxLookup = table.New(db, TxLookupPrefix)
	s.table.Checkpoints = table.New(db, CheckpointsPrefix)
	s.table.Meta = table.New(db, MetaPrefix)
	s.table.ExecRoots = table.New(db, ExecRootsPrefix)
	return s
}

// Table exposes a prefixed view for packages that own their own tables.
func (s *Store) Table(prefix []byte) kvdb.Store {
	return table.New(s.db, prefix)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Batch collects writes across tables. Nothing is visible to readers until
// Write succeeds.
type Batch struct {
	b kvdb.Batch
}

// NewBatch starts an atomic multi-table write.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Put stages a write of value under prefix+key.
func (b *Batch) Put(prefix, key, value []byte) {
	if err := b.b.Put(prefixed(prefix, key), value); err != nil {
		log.Crit("Failed to stage write", "err", err)
	}
}

// Delete stages a removal of prefix+key.
func (b *Batch) Delete(prefix, key []byte) {
	if err := b.b.Delete(prefixed(prefix, key)); err != nil {
		log.Crit("Failed to stage delete", "err", err)
	}
}

// Write commits the batch atomically.
func (b *Batch) Write() error {
	return b.b.Write()
}

// Size returns the staged payload size.
func (b *Batch) Size() int {
	return b.b.ValueSize()
}

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// NumberKey encodes a block number so that keys sort by number.
func NumberKey(n uint64) []byte {
	return bigendian.Uint64ToBytes(n)
}

func get(t kvdb.Store, key []byte) []byte {
	val, err := t.Get(key)
	if err != nil {
		log.Crit("Failed to get key-value", "err", err)
	}
	return val
}

func getRLP(t kvdb.Store, key []byte, to interface{}) bool {
	buf := get(t, key)
	if buf == nil {
		return false
	}
	if err := rlp.DecodeBytes(buf, to); err != nil {
		log.Crit("Failed to decode rlp", "err", err, "size", len(buf))
	}
	return true
}

func mustRLP(v interface{}) []byte {
	buf, err := rlp.EncodeToBytes(v)
	if err != nil {
		log.Crit("Failed to encode rlp", "err", err)
	}
	return buf
}

// WriteHeader stages a header and its hash-to-number mapping.
func (b *Batch) WriteHeader(h *types.Header) {
	hash := h.Hash()
	b.Put(HeadersPrefix, hash.Bytes(), mustRLP(h))
	b.Put(HeaderNumberPrefix, hash.Bytes(), NumberKey(h.Number.Uint64()))
}

// DeleteHeader stages removal of a header.
func (b *Batch) DeleteHeader(hash common.Hash) {
	b.Delete(HeadersPrefix, hash.Bytes())
	b.Delete(HeaderNumberPrefix, hash.Bytes())
}

// WriteCanonical marks hash as the canonical block at number.
func (b *Batch) WriteCanonical(number uint64, hash common.Hash) {
	b.Put(CanonicalPrefix, NumberKey(number), hash.Bytes())
}

// DeleteCanonical removes the canonical mapping at number.
func (b *Batch) DeleteCanonical(number uint64) {
	b.Delete(CanonicalPrefix, NumberKey(number))
}

// WriteBody stages a block body.
func (b *Batch) WriteBody(hash common.Hash, body *inter.Body) {
	b.Put(BodiesPrefix, hash.Bytes(), mustRLP(body))
}

// DeleteBody stages removal of a block body.
func (b *Batch) DeleteBody(hash common.Hash) {
	b.Delete(BodiesPrefix, hash.Bytes())
}

// WriteReceipts stages the receipts of a block in storage encoding.
func (b *Batch) WriteReceipts(hash common.Hash, receipts types.Receipts) {
	stored := make([]*types.ReceiptForStorage, len(receipts))
	for i, r := range receipts {
		stored[i] = (*types.ReceiptForStorage)(r)
	}
	b.Put(ReceiptsPrefix, hash.Bytes(), mustRLP(stored))
}

// DeleteReceipts stages removal of block receipts.
func (b *Batch) DeleteReceipts(hash common.Hash) {
	b.Delete(ReceiptsPrefix, hash.Bytes())
}

// WriteSenders stages the recovered senders of a block.
func (b *Batch) WriteSenders(hash common.Hash, senders []common.Address) {
	b.Put(SendersPrefix, hash.Bytes(), mustRLP(senders))
}

// DeleteSenders stages removal of recovered senders.
func (b *Batch) DeleteSenders(hash common.Hash) {
	b.Delete(SendersPrefix, hash.Bytes())
}

// WriteTxLookup indexes a transaction hash to its block number.
func (b *Batch) WriteTxLookup(txHash common.Hash, number uint64) {
	b.Put(TxLookupPrefix, txHash.Bytes(), NumberKey(number))
}

// DeleteTxLookup removes a transaction index entry.
func (b *Batch) DeleteTxLookup(txHash common.Hash) {
	b.Delete(TxLookupPrefix, txHash.Bytes())
}

// WriteExecRoot records the state root that executing a block produced. It
// equals the header root unless state root checks are skipped.
func (b *Batch) WriteExecRoot(hash, root common.Hash) {
	b.Put(ExecRootsPrefix, hash.Bytes(), root.Bytes())
}

// DeleteExecRoot stages removal of an executed root.
func (b *Batch) DeleteExecRoot(hash common.Hash) {
	b.Delete(ExecRootsPrefix, hash.Bytes())
}

// SetCheckpoint stages a stage progress checkpoint.
func (b *Batch) SetCheckpoint(stage string, number uint64) {
	b.Put(CheckpointsPrefix, []byte(stage), NumberKey(number))
}

// PutMeta stages a metadata value.
func (b *Batch) PutMeta(key string, value []byte) {
	b.Put(MetaPrefix, []byte(key), value)
}

// GetHeaderByHash returns the header with the given hash, or nil.
func (s *Store) GetHeaderByHash(hash common.Hash) *types.Header {
	h := new(types.Header)
	if !getRLP(s.table.Headers, hash.Bytes(), h) {
		return nil
	}
	return h
}

// GetHeader returns the header with the given hash if it has the given
// number, or nil.
func (s *Store) GetHeader(hash common.Hash, number uint64) *types.Header {
	h := s.GetHeaderByHash(hash)
	if h == nil || h.Number.Uint64() != number {
		return nil
	}
	return h
}

// GetHeaderNumber returns the number of a stored header.
func (s *Store) GetHeaderNumber(hash common.Hash) (uint64, bool) {
	buf := get(s.table.HeaderNumber, hash.Bytes())
	if buf == nil {
		return 0, false
	}
	return bigendian.BytesToUint64(buf), true
}

// GetCanonicalHash returns the canonical hash at number, or the zero hash.
func (s *Store) GetCanonicalHash(number uint64) common.Hash {
	buf := get(s.table.Canonical, NumberKey(number))
	if buf == nil {
		return common.Hash{}
	}
	return common.BytesToHash(buf)
}

// GetHeaderByNumber returns the canonical header at number, or nil.
func (s *Store) GetHeaderByNumber(number uint64) *types.Header {
	hash := s.GetCanonicalHash(number)
	if hash == (common.Hash{}) {
		return nil
	}
	return s.GetHeaderByHash(hash)
}

// GetBody returns a stored body, or nil.
func (s *Store) GetBody(hash common.Hash) *inter.Body {
	body := new(inter.Body)
	if !getRLP(s.table.Bodies, hash.Bytes(), body) {
		return nil
	}
	return body
}

// HasBody reports whether a body is stored for hash.
func (s *Store) HasBody(hash common.Hash) bool {
	ok, err := s.table.Bodies.Has(hash.Bytes())
	if err != nil {
		log.Crit("Failed to check key", "err", err)
	}
	return ok
}

// GetBlock assembles a block from its header and body.
func (s *Store) GetBlock(hash common.Hash) *inter.Block {
	h := s.GetHeaderByHash(hash)
	if h == nil {
		return nil
	}
	body := s.GetBody(hash)
	if body == nil {
		return nil
	}
	return &inter.Block{Header: h, Body: *body}
}

// GetReceipts returns the stored receipts of a block. Derived fields (block
// hash, tx hash, indexes) are restored from the body.
func (s *Store) GetReceipts(hash common.Hash) types.Receipts {
	var stored []*types.ReceiptForStorage
	if !getRLP(s.table.Receipts, hash.Bytes(), &stored) {
		return nil
	}
	receipts := make(types.Receipts, len(stored))
	number, _ := s.GetHeaderNumber(hash)
	body := s.GetBody(hash)
	var logIndex uint
	for i, r := range stored {
		rec := (*types.Receipt)(r)
		rec.BlockHash = hash
		rec.BlockNumber = new(big.Int).SetUint64(number)
		rec.TransactionIndex = uint(i)
		if body != nil && i < len(body.Transactions) {
			rec.TxHash = body.Transactions[i].Hash()
		}
		for _, l := range rec.Logs {
			l.BlockHash = hash
			l.BlockNumber = number
			l.TxHash = rec.TxHash
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}
		receipts[i] = rec
	}
	return receipts
}

// GetSenders returns the recovered senders of a block.
func (s *Store) GetSenders(hash common.Hash) []common.Address {
	var senders []common.Address
	if !getRLP(s.table.Senders, hash.Bytes(), &senders) {
		return nil
	}
	return senders
}

// GetTxLookup returns the block number a transaction was included in.
func (s *Store) GetTxLookup(txHash common.Hash) (uint64, bool) {
	buf := get(s.table.TxLookup, txHash.Bytes())
	if buf == nil {
		return 0, false
	}
	return bigendian.BytesToUint64(buf), true
}

// GetExecRoot returns the state root that executing a block produced.
func (s *Store) GetExecRoot(hash common.Hash) (common.Hash, bool) {
	buf := get(s.table.ExecRoots, hash.Bytes())
	if buf == nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(buf), true
}

// GetCheckpoint returns the progress of a stage, zero if it never ran.
func (s *Store) GetCheckpoint(stage string) uint64 {
	buf := get(s.table.Checkpoints, []byte(stage))
	if buf == nil {
		return 0
	}
	return bigendian.BytesToUint64(buf)
}

// GetMeta returns a metadata value, or nil.
func (s *Store) GetMeta(key string) []byte {
	return get(s.table.Meta, []byte(key))
}
