package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeExecutor struct {
	Executor
	tx       *fakeTx
	beginErr error
}

func (f *fakeExecutor) BeginTx(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := &fakeExecutor{tx: &fakeTx{}}
		err := WithTx(ctx, db, func(tx pgx.Tx) error { return nil })
		require.NoError(t, err)
		assert.True(t, db.tx.committed)
		assert.False(t, db.tx.rolledBack)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := &fakeExecutor{tx: &fakeTx{}}
		boom := errors.New("boom")
		err := WithTx(ctx, db, func(tx pgx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, db.tx.committed)
		assert.True(t, db.tx.rolledBack)
	})

	t.Run("rolls back when commit fails", func(t *testing.T) {
		db := &fakeExecutor{tx: &fakeTx{commitErr: errors.New("serialization")}}
		err := WithTx(ctx, db, func(tx pgx.Tx) error { return nil })
		assert.ErrorContains(t, err, "failed to commit transaction")
		assert.True(t, db.tx.rolledBack)
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		db := &fakeExecutor{tx: &fakeTx{}}
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = WithTx(ctx, db, func(tx pgx.Tx) error { panic("kaboom") })
		})
		assert.True(t, db.tx.rolledBack)
	})

	t.Run("begin failure", func(t *testing.T) {
		db := &fakeExecutor{beginErr: errors.New("pool closed")}
		called := false
		err := WithTx(ctx, db, func(tx pgx.Tx) error { called = true; return nil })
		assert.ErrorContains(t, err, "failed to begin transaction")
		assert.False(t, called)
	})
}
