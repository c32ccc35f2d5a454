package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName      = "receipts"
	emailBucketName = "email_index"
)

// ErrNotFound is returned when a receipt does not exist or belongs to someone else
var ErrNotFound = errors.New("receipt not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts or replaces a receipt
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns every receipt owned by userID
	ListReceipts(userID string) ([]*Receipt, error)

	// FindByEmail returns the receipt created from a user's email
	FindByEmail(userID, emailID string) (*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements DB on a single bbolt file. Receipts are stored as JSON by ID;
// a second bucket maps userID/emailID to the receipt ID.
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
		for _, name := range []string{bucketName, emailBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
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

func emailKey(userID, emailID string) []byte {
	return []byte(userID + "/" + emailID)
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// unindex drops the email index entry for r if it still points at r
func unindex(tx *bbolt.Tx, r *Receipt) error {
	if r.EmailID == "" {
		return nil
	}
	index := tx.Bucket([]byte(emailBucketName))
	key := emailKey(r.UserID, r.EmailID)
	if string(index.Get(key)) != r.ID {
		return nil
	}
	return index.Delete(key)
}

// SaveReceipt saves a receipt and keeps the email index in step
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if previous, err := getReceipt(tx, receipt.ID); err == nil {
			if err := unindex(tx, previous); err != nil {
				return fmt.Errorf("updating email index: %w", err)
			}
		}

		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := tx.Bucket([]byte(bucketName)).Put([]byte(receipt.ID), data); err != nil {
			return err
		}

		if receipt.EmailID != "" {
			index := tx.Bucket([]byte(emailBucketName))
			if err := index.Put(emailKey(receipt.UserID, receipt.EmailID), []byte(receipt.ID)); err != nil {
				return fmt.Errorf("updating email index: %w", err)
			}
		}
		return nil
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts owned by userID in storage order
func (b *BoltDB) ListReceipts(userID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.UserID == userID {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// FindByEmail looks up the receipt created from emailID through the email index
func (b *BoltDB) FindByEmail(userID, emailID string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(emailBucketName)).Get(emailKey(userID, emailID))
		if id == nil {
			return fmt.Errorf("%w: email %s", ErrNotFound, emailID)
		}
		var err error
		receipt, err = getReceipt(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and its email index entry
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		receipt, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		if err := unindex(tx, receipt); err != nil {
			return fmt.Errorf("updating email index: %w", err)
		}
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
