package inmemdb

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/bootcamp/core/roster"
)

type (
	tables struct {
		students map[string]*roster.Student
		teachers map[string]*roster.Teacher
		batches  map[string]*roster.Batch
	}

	// DB is a process-local document store.
	// Transactions are serializable: while one is open, every other operation waits for it.
	DB struct {
		mu   sync.RWMutex // guards data
		gate sync.RWMutex // held exclusively by an open transaction
		data tables

		now            func() time.Time
		noTransactions bool
	}

	Option func(db *DB)

	txKey struct{}

	// tx is a staged copy of the tables, committed at once.
	tx struct {
		mu   sync.Mutex
		data tables
	}
)

// WithoutTransactions makes WithTransaction return roster.ErrNoTransactions, like a standalone document server.
func WithoutTransactions() Option {
	return func(db *DB) { db.noTransactions = true }
}

// WithClock overrides the clock used for created_at / updated_at.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

func Open(opts ...Option) *DB {
	db := &DB{
		data: tables{
			students: make(map[string]*roster.Student),
			teachers: make(map[string]*roster.Teacher),
			batches:  make(map[string]*roster.Batch),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (t tables) clone() tables {
	c := tables{
		students: make(map[string]*roster.Student, len(t.students)),
		teachers: make(map[string]*roster.Teacher, len(t.teachers)),
		batches:  make(map[string]*roster.Batch, len(t.batches)),
	}
	for id, s := range t.students {
		cp := cloneStudent(*s)
		c.students[id] = &cp
	}
	for id, tc := range t.teachers {
		cp := cloneTeacher(*tc)
		c.teachers[id] = &cp
	}
	for id, b := range t.batches {
		cp := cloneBatch(*b)
		c.batches[id] = &cp
	}
	return c
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// read runs fn on the tables visible from ctx.
func (db *DB) read(ctx context.Context, fn func(t tables)) {
	if t := txFromContext(ctx); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		fn(t.data)
		return
	}
	db.gate.RLock()
	defer db.gate.RUnlock()
	db.mu.RLock()
	defer db.mu.RUnlock()
	fn(db.data)
}

// write runs fn on the tables visible from ctx, exclusively.
func (db *DB) write(ctx context.Context, fn func(t tables) error) error {
	if t := txFromContext(ctx); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return fn(t.data)
	}
	db.gate.RLock()
	defer db.gate.RUnlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn(db.data)
}

func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.noTransactions {
		return roster.ErrNoTransactions
	}
	if txFromContext(ctx) != nil { // already in one
		return fn(ctx)
	}

	db.gate.Lock()
	defer db.gate.Unlock()

	db.mu.RLock()
	t := &tx{data: db.data.clone()}
	db.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err // rollback: drop the staged copy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	db.data = t.data
	db.mu.Unlock()
	return nil
}
