package spool

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta  = []byte("meta")
	bucketRetry = []byte("retry")
	bucketLoss  = []byte("loss")

	keyGatewayID  = []byte("gateway_id")
	keySequenceNo = []byte("sequence_no")
)

// Catalog is the engine-wide recovery database (SPEC_FULL §3.1): gateway
// identity, the last-used upload sequence number, per-sensor retry-budget
// state, and cumulative data-loss counters. It complements, but does not
// replace, the per-sensor sidecar files which remain the authoritative
// record of sector offsets.
type Catalog struct {
	db *bbolt.DB
}

// OpenCatalog opens (creating if necessary) the bbolt database at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketRetry, bucketLoss} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying bbolt database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// GatewayID returns the persisted gateway id, or (0, false) if never set.
func (c *Catalog) GatewayID() (uint64, bool, error) {
	var id uint64
	var ok bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyGatewayID)
		if v == nil {
			return nil
		}
		id = binary.LittleEndian.Uint64(v)
		ok = true
		return nil
	})
	return id, ok, err
}

// SetGatewayID persists the gateway id once it is known.
func (c *Catalog) SetGatewayID(id uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], id)
		return tx.Bucket(bucketMeta).Put(keyGatewayID, buf[:])
	})
}

// NextSequenceNo atomically increments and returns the next upload packet
// sequence number, surviving restarts (§4.E).
func (c *Catalog) NextSequenceNo() (uint64, error) {
	var next uint64
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		cur := uint64(0)
		if v := b.Get(keySequenceNo); v != nil {
			cur = binary.LittleEndian.Uint64(v)
		}
		next = cur + 1
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], next)
		return b.Put(keySequenceNo, buf[:])
	})
	return next, err
}

// RecordLoss adds n to the cumulative loss counter for sensorID (§8
// "data-loss counter").
func (c *Catalog) RecordLoss(sensorID uint32, n int) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLoss)
		key := sensorKey(sensorID)
		cur := uint64(0)
		if v := b.Get(key); v != nil {
			cur = binary.LittleEndian.Uint64(v)
		}
		cur += uint64(n)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], cur)
		return b.Put(key, buf[:])
	})
}

// LossCount returns the cumulative loss counter for sensorID.
func (c *Catalog) LossCount(sensorID uint32) (uint64, error) {
	var count uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketLoss).Get(sensorKey(sensorID)); v != nil {
			count = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	return count, err
}

// RetryState is the persisted mute state for one sensor's retry budget.
type RetryState struct {
	ConsumedFailures int
	MutedUntilUnixMs int64
}

// SetRetryState persists the current retry-budget state for sensorID so a
// mute decision survives a restart (SPEC_FULL §3.1).
func (c *Catalog) SetRetryState(sensorID uint32, rs RetryState) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 12)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(rs.ConsumedFailures))
		binary.LittleEndian.PutUint64(buf[4:12], uint64(rs.MutedUntilUnixMs))
		return tx.Bucket(bucketRetry).Put(sensorKey(sensorID), buf)
	})
}

// RetryStateFor returns the persisted retry state for sensorID, or the zero
// value if none was ever recorded.
func (c *Catalog) RetryStateFor(sensorID uint32) (RetryState, error) {
	var rs RetryState
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRetry).Get(sensorKey(sensorID))
		if v == nil || len(v) < 12 {
			return nil
		}
		rs.ConsumedFailures = int(binary.LittleEndian.Uint32(v[0:4]))
		rs.MutedUntilUnixMs = int64(binary.LittleEndian.Uint64(v[4:12]))
		return nil
	})
	return rs, err
}

func sensorKey(sensorID uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], sensorID)
	return buf[:]
}
