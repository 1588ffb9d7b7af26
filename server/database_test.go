package server

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	didpay "github.com/did-method-plc/go-didpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

var (
	testProvider = common.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	testCustomer = common.HexToAddress("0x0000000000000000000000000000000000000bee")
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := NewGormStore(dbURL, logger)
		require.NoError(t, err)
		// Truncate tables for test isolation
		require.NoError(t, store.db.Exec("TRUNCATE service_contracts, redemptions").Error)
		t.Cleanup(func() {
			store.db.Exec("TRUNCATE service_contracts, redemptions")
			store.Close()
		})
		return store
	}

	store, err := NewGormStoreWithDialector(sqlite.Open(":memory:"), logger)
	require.NoError(t, err)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store
}

func newTestContract(t *testing.T, terms string) *didpay.ServiceContract {
	t.Helper()
	c, err := didpay.NewServiceContract(terms, big.NewInt(1_000_000), testProvider, testCustomer)
	require.NoError(t, err)
	return c
}

func TestGormStore_Contracts(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	a := newTestContract(t, "a")
	b := newTestContract(t, "b")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, store.CreateContract(ctx, a))
	require.NoError(t, store.CreateContract(ctx, b))

	got, err := store.GetContract(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal("a", got.Terms)
	assert.Equal(big.NewInt(1_000_000), got.Price.ToInt())
	assert.Equal(didpay.ContractPending, got.Status)
	assert.Equal(testProvider, got.Provider)
	assert.Equal(testCustomer, got.Customer)
	assert.Nil(got.TxHash)

	_, err = store.GetContract(ctx, "missing")
	assert.ErrorIs(err, didpay.ErrContractNotFound)

	all, err := store.ListContracts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(a.ID, all[0].ID)
	assert.Equal(b.ID, all[1].ID)
}

func TestGormStore_UpdateStatus(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	c := newTestContract(t, "a")
	require.NoError(t, store.CreateContract(ctx, c))

	updated, err := store.UpdateStatus(ctx, c.ID, didpay.ContractSigned, nil)
	require.NoError(t, err)
	assert.Equal(didpay.ContractSigned, updated.Status)

	_, err = store.UpdateStatus(ctx, c.ID, didpay.ContractPending, nil)
	assert.ErrorIs(err, didpay.ErrInvalidTransition)

	tx := common.HexToHash("0xbeef")
	updated, err = store.UpdateStatus(ctx, c.ID, didpay.ContractCompleted, &tx)
	require.NoError(t, err)
	assert.Equal(didpay.ContractCompleted, updated.Status)
	require.NotNil(t, updated.TxHash)
	assert.Equal(tx, *updated.TxHash)

	_, err = store.UpdateStatus(ctx, c.ID, didpay.ContractCompleted, nil)
	assert.ErrorIs(err, didpay.ErrInvalidTransition)
	_, err = store.UpdateStatus(ctx, "missing", didpay.ContractSigned, nil)
	assert.ErrorIs(err, didpay.ErrContractNotFound)
}

func testRedemption(seq int64, success bool) *didpay.Redemption {
	r := &didpay.Redemption{
		Seq:            seq,
		DelegationCIDs: []string{"bafyreia", "bafyreib"},
		Delegators:     []common.Address{testCustomer},
		Amount:         big.NewInt(42),
		Nonce:          big.NewInt(7),
		UserOpHash:     common.HexToHash("0x01"),
		Success:        success,
		SubmittedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		SettledAt:      time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC),
	}
	if success {
		r.TxHash = common.HexToHash("0xbeef")
	} else {
		r.Error = "redemption failed: operation reverted"
	}
	return r
}

func TestGormStore_Redemptions(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitRedemptions(ctx, nil))
	require.NoError(t, store.CommitRedemptions(ctx, []*didpay.Redemption{
		testRedemption(1, true),
		testRedemption(2, false),
	}))

	recs, err := store.ListRedemptions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// newest first
	assert.Equal(int64(2), recs[0].Seq)
	assert.False(recs[0].Success)
	assert.NotEmpty(recs[0].Error)
	assert.Empty(recs[0].TxHash)

	assert.Equal(int64(1), recs[1].Seq)
	assert.True(recs[1].Success)
	assert.Equal("42", recs[1].Amount)
	assert.Equal("7", recs[1].Nonce)
	assert.Equal([]string{"bafyreia", "bafyreib"}, []string(recs[1].DelegationCIDs))
	assert.Equal([]string{testCustomer.Hex()}, []string(recs[1].Delegators))
	assert.Equal(common.HexToHash("0xbeef").Hex(), recs[1].TxHash)

	recs, err = store.ListRedemptions(ctx, 1)
	require.NoError(t, err)
	assert.Len(recs, 1)
}
