package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// Attribute names of the lease table.
const (
	KeyField    = "key"
	TokenField  = "token"
	ExpiryField = "expiry"
)

// ErrTableNotFound is returned by Describe when the table does not exist.
var ErrTableNotFound = errors.New("lease: table not found")

// Record is the stored form of a lease.
type Record struct {
	Key    string `json:"key"`
	Token  string `json:"token"`
	Expiry int64  `json:"expiry"`
}

// ExpiresAt returns the record expiry as a time.
func (r Record) ExpiresAt() time.Time {
	return time.Unix(r.Expiry, 0)
}

// AttributeType is the scalar type of a key attribute.
type AttributeType string

const (
	TypeString AttributeType = "S"
	TypeNumber AttributeType = "N"
	TypeBinary AttributeType = "B"
)

// KeyRole is the role of a key attribute in the table key schema.
type KeyRole string

const (
	RoleHash  KeyRole = "HASH"
	RoleRange KeyRole = "RANGE"
)

// KeyAttribute describes one attribute of the table key schema.
type KeyAttribute struct {
	Name string        `json:"name"`
	Type AttributeType `json:"type"`
	Role KeyRole       `json:"role"`
}

// TableStatus is the lifecycle status of a table.
type TableStatus string

const (
	StatusCreating TableStatus = "CREATING"
	StatusActive   TableStatus = "ACTIVE"
	StatusUpdating TableStatus = "UPDATING"
	StatusDeleting TableStatus = "DELETING"
)

// TableDescription describes the shape of a lease table as reported by the
// backend.
type TableDescription struct {
	Name            string         `json:"name"`
	Status          TableStatus    `json:"status"`
	Keys            []KeyAttribute `json:"keys"`
	ExpiryAttribute string         `json:"expiry_attribute"`
	ExpiryEnabled   bool           `json:"expiry_enabled"`
}

// LeaseTable returns the description of a correctly shaped lease table.
func LeaseTable(name string) TableDescription {
	return TableDescription{
		Name:            name,
		Status:          StatusActive,
		Keys:            []KeyAttribute{{Name: KeyField, Type: TypeString, Role: RoleHash}},
		ExpiryAttribute: ExpiryField,
		ExpiryEnabled:   true,
	}
}

// Backend performs conditional writes of lease records. Every write reports
// whether its condition held; a false result with a nil error is the normal
// contended outcome. Errors are reserved for communication failures.
type Backend interface {
	// Create stores rec if no record exists for rec.Key.
	Create(ctx context.Context, table string, rec Record) (bool, error)
	// Renew replaces the record for key with next if its stored token equals token.
	Renew(ctx context.Context, table, key, token string, next Record) (bool, error)
	// Delete removes the record for key if its stored token equals token.
	Delete(ctx context.Context, table, key, token string) (bool, error)
	// Describe reports the table shape. It returns ErrTableNotFound for a
	// missing table.
	Describe(ctx context.Context, table string) (TableDescription, error)
}

// Provisioner is implemented by backends able to create a lease table.
type Provisioner interface {
	Provision(ctx context.Context, table string) error
}

// InMemory is a Backend backed by a map. Records past their expiry are
// treated as absent, mimicking native expiry.
type InMemory struct {
	mu     sync.Mutex
	now    func() time.Time
	tables map[string]*memTable
}

type memTable struct {
	desc    TableDescription
	records map[string]Record
}

// InMemoryOption configures an InMemory backend.
type InMemoryOption func(*InMemory)

// WithClock sets the clock used to evaluate record expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(m *InMemory) {
		m.now = now
	}
}

// WithDescription registers a table with an arbitrary description, which may
// be malformed on purpose.
func WithDescription(desc TableDescription) InMemoryOption {
	return func(m *InMemory) {
		m.tables[desc.Name] = &memTable{desc: desc, records: make(map[string]Record)}
	}
}

// NewInMemory returns a new InMemory backend with no tables.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{now: time.Now, tables: make(map[string]*memTable)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provision implements Provisioner.Provision.
func (m *InMemory) Provision(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = &memTable{desc: LeaseTable(table), records: make(map[string]Record)}
	}
	return nil
}

// Describe implements Backend.Describe.
func (m *InMemory) Describe(ctx context.Context, table string) (TableDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return TableDescription{}, ErrTableNotFound
	}
	return t.desc, nil
}

// Create implements Backend.Create.
func (m *InMemory) Create(ctx context.Context, table string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, leaseerrors.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return false, err
	}
	if _, ok := m.live(t, rec.Key); ok {
		return false, nil
	}
	t.records[rec.Key] = rec
	return true, nil
}

// Renew implements Backend.Renew.
func (m *InMemory) Renew(ctx context.Context, table, key, token string, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, leaseerrors.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return false, err
	}
	cur, ok := m.live(t, key)
	if !ok || cur.Token != token {
		return false, nil
	}
	next.Key = key
	t.records[key] = next
	return true, nil
}

// Delete implements Backend.Delete.
func (m *InMemory) Delete(ctx context.Context, table, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, leaseerrors.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return false, err
	}
	cur, ok := m.live(t, key)
	if !ok || cur.Token != token {
		return false, nil
	}
	delete(t.records, key)
	return true, nil
}

// Get returns the live record for key, if any.
func (m *InMemory) Get(table, key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return Record{}, false
	}
	return m.live(t, key)
}

func (m *InMemory) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t, nil
}

// live returns the record for key unless it has expired, dropping expired
// records on the way.
func (m *InMemory) live(t *memTable, key string) (Record, bool) {
	rec, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	if !m.now().Before(rec.ExpiresAt()) {
		delete(t.records, key)
		return Record{}, false
	}
	return rec, true
}
