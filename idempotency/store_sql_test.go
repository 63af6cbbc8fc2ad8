package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
)

func openTestSQLite(t *testing.T, opts ...StoreOption) *SQLStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "replay.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_Lifecycle(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "0xaa")
	require.ErrorIs(t, err, x402.ErrEntryNotFound)

	require.NoError(t, store.Put(ctx, issuedEntry("0xaa"), time.Minute))

	settling := issuedEntry("0xaa")
	settling.State = x402.StateSettling
	settling.ProofDigest = "digest"
	ok, err := store.CompareAndSwap(ctx, "0xaa", x402.StateIssued, settling, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	settled := settling
	settled.State = x402.StateSettled
	settled.Record = &x402.SettlementRecord{Nonce: "0xaa", Outcome: x402.OutcomeSettled, LedgerRef: "0xtx"}
	ok, err = store.CompareAndSwap(ctx, "0xaa", x402.StateSettling, settled, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := store.Get(ctx, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, x402.StateSettled, entry.State)
	assert.Equal(t, "digest", entry.ProofDigest)
	require.NotNil(t, entry.Record)
	assert.Equal(t, "0xtx", entry.Record.LedgerRef)
}

func TestSQLStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	store := openTestSQLite(t, WithStoreClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, issuedEntry("0xbb"), 30*time.Second))
	clock.Advance(31 * time.Second)

	_, err := store.Get(ctx, "0xbb")
	assert.ErrorIs(t, err, x402.ErrEntryNotFound)

	ok, err := store.CompareAndSwap(ctx, "0xbb", x402.StateIssued, issuedEntry("0xbb"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestSQLStore_CompareAndSwapSingleWinner(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, issuedEntry("0xcc"), time.Minute))

	settling := issuedEntry("0xcc")
	settling.State = x402.StateSettling

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSwap(ctx, "0xcc", x402.StateIssued, settling, time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestSQLStore_GetDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(selectEntry)).
		WithArgs("0xdd").
		WillReturnError(errors.New("disk I/O error"))

	store := NewSQLStore(db)
	_, err = store.Get(context.Background(), "0xdd")
	require.Error(t, err)
	assert.False(t, errors.Is(err, x402.ErrEntryNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CompareAndSwapNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(swapEntry)).
		WithArgs(string(x402.StateSettling), sqlmock.AnyArg(), sqlmock.AnyArg(), "0xee", string(x402.StateIssued), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	next := issuedEntry("0xee")
	next.State = x402.StateSettling

	store := NewSQLStore(db)
	ok, err := store.CompareAndSwap(context.Background(), "0xee", x402.StateIssued, next, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PutDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(upsertEntry)).
		WillReturnError(errors.New("database is locked"))

	store := NewSQLStore(db)
	err = store.Put(context.Background(), issuedEntry("0xff"), time.Minute)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
