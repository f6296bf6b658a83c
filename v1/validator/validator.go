package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-lease/v1/adapter"
)

var (
	// ErrKeySchema reports a key schema other than a single "key" hash key.
	ErrKeySchema = errors.New("lease: unexpected key schema")
	// ErrKeyType reports a "key" attribute that is not a string.
	ErrKeyType = errors.New("lease: unexpected key attribute type")
	// ErrExpiry reports native expiry missing or set on the wrong attribute.
	ErrExpiry = errors.New("lease: native expiry not enabled on expiry attribute")
	// ErrNotActive reports a table that exists but cannot serve writes yet,
	// or any more.
	ErrNotActive = errors.New("lease: table not active")
)

// Check verifies that desc describes a usable lease table.
func Check(desc adapter.TableDescription) error {
	if len(desc.Keys) != 1 {
		return fmt.Errorf("%w: table %q has %d key attributes %v, expected 1",
			ErrKeySchema, desc.Name, len(desc.Keys), names(desc.Keys))
	}
	key := desc.Keys[0]
	if key.Name != adapter.KeyField {
		return fmt.Errorf("%w: missing %q attribute, available %v",
			ErrKeySchema, adapter.KeyField, names(desc.Keys))
	}
	if key.Type != adapter.TypeString {
		return fmt.Errorf("%w: %q is %q, expected %q",
			ErrKeyType, adapter.KeyField, key.Type, adapter.TypeString)
	}
	if key.Role != adapter.RoleHash {
		return fmt.Errorf("%w: %q has role %q, expected %q",
			ErrKeySchema, adapter.KeyField, key.Role, adapter.RoleHash)
	}
	if !desc.ExpiryEnabled || desc.ExpiryAttribute != adapter.ExpiryField {
		return fmt.Errorf("%w: table %q expiry on %q (enabled=%t)",
			ErrExpiry, desc.Name, desc.ExpiryAttribute, desc.ExpiryEnabled)
	}
	if desc.Status != adapter.StatusActive {
		return fmt.Errorf("%w: table %q is %q", ErrNotActive, desc.Name, desc.Status)
	}
	return nil
}

// CheckTable describes table on b and checks the result.
func CheckTable(ctx context.Context, b adapter.Backend, table string) error {
	desc, err := b.Describe(ctx, table)
	if err != nil {
		return fmt.Errorf("describe table %q: %w", table, err)
	}
	return Check(desc)
}

func names(keys []adapter.KeyAttribute) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Name)
	}
	return out
}

// Mode defines validator behaviour on a failed check.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Validator periodically checks the shape of a lease table.
type Validator struct {
	backend  adapter.Backend
	table    string
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	failures uint64
	lastErr  atomic.Pointer[error]
}

// New creates a new Validator for table.
func New(b adapter.Backend, table string, mode Mode, interval time.Duration) *Validator {
	return &Validator{
		backend:  b,
		table:    table,
		mode:     mode,
		interval: interval,
		logger:   slog.Default().With("component", "lease-validator"),
	}
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.scan(ctx)
		}
	}
}

func (v *Validator) scan(ctx context.Context) {
	err := CheckTable(ctx, v.backend, v.table)
	if err == nil {
		v.lastErr.Store(nil)
		return
	}
	atomic.AddUint64(&v.failures, 1)
	v.lastErr.Store(&err)
	switch v.mode {
	case ModeAlert:
		v.logger.Warn("lease table check failed", "table", v.table, "error", err)
	case ModeAutoHeal:
		p, ok := v.backend.(adapter.Provisioner)
		if !ok || !errors.Is(err, adapter.ErrTableNotFound) {
			v.logger.Warn("lease table check failed", "table", v.table, "error", err)
			return
		}
		if perr := p.Provision(ctx, v.table); perr != nil {
			v.logger.Warn("lease table provision failed", "table", v.table, "error", perr)
		}
	}
}

// Metrics returns number of failed checks.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.failures)
}

// Err returns the error of the last check, nil if it passed.
func (v *Validator) Err() error {
	if p := v.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}
