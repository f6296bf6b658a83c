package adapter

import (
	"context"

	badger "github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// Badger implements Backend on an embedded Badger database. Records are JSON
// documents under "<table>/<key>" whose entry expiry is the record expiry, so
// Badger drops them natively. The table description is stored under
// "<table>".
type Badger struct {
	db *badger.DB
}

// NewBadger returns a Badger backend using db. The caller owns db.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func badgerKey(table, key string) []byte {
	return []byte(table + "/" + key)
}

// Provision implements Provisioner.Provision. An existing description is
// left untouched.
func (b *Badger) Provision(ctx context.Context, table string) error {
	return b.PutDescription(ctx, LeaseTable(table), false)
}

// PutDescription stores desc as the description of desc.Name. Unless
// overwrite is set an existing description is kept.
func (b *Badger) PutDescription(ctx context.Context, desc TableDescription, overwrite bool) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if !overwrite {
			_, err := txn.Get([]byte(desc.Name))
			if err == nil {
				return nil
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}
		return txn.Set([]byte(desc.Name), data)
	})
}

// Describe implements Backend.Describe.
func (b *Badger) Describe(ctx context.Context, table string) (TableDescription, error) {
	var desc TableDescription
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(table))
		if err == badger.ErrKeyNotFound {
			return ErrTableNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &desc)
		})
	})
	if err != nil {
		return TableDescription{}, err
	}
	return desc, nil
}

// Create implements Backend.Create.
func (b *Badger) Create(ctx context.Context, table string, rec Record) (bool, error) {
	return b.update(ctx, table, func(txn *badger.Txn) (bool, error) {
		_, found, err := getRecord(txn, badgerKey(table, rec.Key))
		if err != nil || found {
			return false, err
		}
		return true, setRecord(txn, badgerKey(table, rec.Key), rec)
	})
}

// Renew implements Backend.Renew.
func (b *Badger) Renew(ctx context.Context, table, key, token string, next Record) (bool, error) {
	return b.update(ctx, table, func(txn *badger.Txn) (bool, error) {
		cur, found, err := getRecord(txn, badgerKey(table, key))
		if err != nil || !found || cur.Token != token {
			return false, err
		}
		next.Key = key
		return true, setRecord(txn, badgerKey(table, key), next)
	})
}

// Delete implements Backend.Delete.
func (b *Badger) Delete(ctx context.Context, table, key, token string) (bool, error) {
	return b.update(ctx, table, func(txn *badger.Txn) (bool, error) {
		cur, found, err := getRecord(txn, badgerKey(table, key))
		if err != nil || !found || cur.Token != token {
			return false, err
		}
		return true, txn.Delete(badgerKey(table, key))
	})
}

// Get returns the live record for key.
func (b *Badger) Get(ctx context.Context, table, key string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, badgerKey(table, key))
		return err
	})
	return rec, found, err
}

// update runs fn in a read-write transaction. A commit conflict means another
// writer got there first and is reported as a failed condition.
func (b *Badger) update(ctx context.Context, table string, fn func(txn *badger.Txn) (bool, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, leaseerrors.FromContext(err)
	}
	var ok bool
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(table)); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrTableNotFound
			}
			return err
		}
		var err error
		ok, err = fn(txn)
		return err
	})
	if err == badger.ErrConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

func getRecord(txn *badger.Txn, k []byte) (Record, bool, error) {
	item, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func setRecord(txn *badger.Txn, k []byte, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	e := badger.NewEntry(k, data)
	e.ExpiresAt = uint64(rec.Expiry)
	return txn.SetEntry(e)
}
