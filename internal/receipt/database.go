package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	receiptsBucket   = []byte("receipts")
	entriesBucket    = []byte("entries")
	archiveIDsBucket = []byte("archive_ids")
)

// Repository persists Receipt aggregates. Save writes the header and all of
// its entries in one transaction.
type Repository interface {
	// Save stores header and entries and returns the receipt with ids assigned
	Save(ctx context.Context, header *Receipt, entries []ProductEntry) (*Receipt, error)

	// Get retrieves a receipt and its entries by ID
	Get(ctx context.Context, id int64) (*Receipt, error)

	// List returns all receipts, oldest first
	List(ctx context.Context) ([]*Receipt, error)

	// Delete removes a receipt together with its entries
	Delete(ctx context.Context, id int64) error

	// Close releases the underlying connection
	Close() error
}

// BoltDB implements Repository using BoltDB. Entries live in a nested
// bucket per receipt so deleting the receipt drops them all.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{receiptsBucket, entriesBucket, archiveIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Save writes the aggregate inside a single Update. Any error rolls the whole
// transaction back, including the id sequences.
func (b *BoltDB) Save(ctx context.Context, header *Receipt, entries []ProductEntry) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved := *header
	saved.Entries = make([]ProductEntry, 0, len(entries))

	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket(receiptsBucket)
		seq, err := receipts.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating receipt id: %w", err)
		}
		saved.ID = int64(seq)
		key := itob(saved.ID)

		if saved.ArchiveFileID != nil {
			index := tx.Bucket(archiveIDsBucket)
			if index.Get([]byte(*saved.ArchiveFileID)) != nil {
				return ErrDuplicateArchiveID
			}
			if err := index.Put([]byte(*saved.ArchiveFileID), key); err != nil {
				return fmt.Errorf("indexing archive id: %w", err)
			}
		}

		allEntries := tx.Bucket(entriesBucket)
		owned, err := allEntries.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("creating entries bucket: %w", err)
		}

		for _, entry := range entries {
			entrySeq, err := allEntries.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating entry id: %w", err)
			}
			entry.ID = int64(entrySeq)
			entry.ReceiptID = saved.ID
			entry.Tags = normalizeTags(entry.Tags)

			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshaling entry: %w", err)
			}
			if err := owned.Put(itob(entry.ID), data); err != nil {
				return fmt.Errorf("writing entry: %w", err)
			}
			saved.Entries = append(saved.Entries, entry)
		}

		stored := saved
		stored.Entries = nil
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return receipts.Put(key, data)
	})
	if err != nil {
		return nil, err
	}

	return &saved, nil
}

// Get retrieves a receipt by ID
func (b *BoltDB) Get(ctx context.Context, id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = readReceipt(tx, itob(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// List returns all receipts
func (b *BoltDB) List(ctx context.Context) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(receiptsBucket).ForEach(func(k, v []byte) error {
			receipt, err := readReceipt(tx, k)
			if err != nil {
				return err
			}
			receipts = append(receipts, receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// Delete removes a receipt, its entries and its archive index entry
func (b *BoltDB) Delete(ctx context.Context, id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := itob(id)
		receipt, err := readReceipt(tx, key)
		if err != nil {
			return err
		}

		if receipt.ArchiveFileID != nil {
			if err := tx.Bucket(archiveIDsBucket).Delete([]byte(*receipt.ArchiveFileID)); err != nil {
				return fmt.Errorf("removing archive index: %w", err)
			}
		}
		if err := tx.Bucket(entriesBucket).DeleteBucket(key); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("removing entries: %w", err)
		}
		return tx.Bucket(receiptsBucket).Delete(key)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func readReceipt(tx *bbolt.Tx, key []byte) (*Receipt, error) {
	data := tx.Bucket(receiptsBucket).Get(key)
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, btoi(key))
	}

	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}

	receipt.Entries = make([]ProductEntry, 0)
	owned := tx.Bucket(entriesBucket).Bucket(key)
	if owned == nil {
		return &receipt, nil
	}
	err := owned.ForEach(func(k, v []byte) error {
		var entry ProductEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshaling entry: %w", err)
		}
		entry.Tags = normalizeTags(entry.Tags)
		receipt.Entries = append(receipt.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// itob encodes an id as a sortable big-endian key
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
