package server

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	didpay "github.com/did-method-plc/go-didpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stringList stores a []string as a JSON array column.
type stringList []string

func (l stringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (stringList) GormDataType() string {
	return "text"
}

func (l *stringList) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for stringList: %T", value)
	}
	return json.Unmarshal(bytes, (*[]string)(l))
}

// ContractRecord is the stored form of a didpay.ServiceContract
type ContractRecord struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Terms     string    `gorm:"column:terms;not null"`
	Price     string    `gorm:"column:price;not null"` // decimal
	Status    string    `gorm:"column:status;not null;index"`
	Provider  string    `gorm:"column:provider;not null"`
	Customer  string    `gorm:"column:customer;not null;index"`
	TxHash    string    `gorm:"column:tx_hash"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (ContractRecord) TableName() string {
	return "service_contracts"
}

func contractRecord(c *didpay.ServiceContract) ContractRecord {
	rec := ContractRecord{
		ID:        c.ID,
		Terms:     c.Terms,
		Price:     c.Price.ToInt().String(),
		Status:    string(c.Status),
		Provider:  c.Provider.Hex(),
		Customer:  c.Customer.Hex(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.TxHash != nil {
		rec.TxHash = c.TxHash.Hex()
	}
	return rec
}

func (rec *ContractRecord) contract() (*didpay.ServiceContract, error) {
	price, ok := new(big.Int).SetString(rec.Price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored price for contract %s: %q", rec.ID, rec.Price)
	}
	c := &didpay.ServiceContract{
		ID:        rec.ID,
		Terms:     rec.Terms,
		Price:     (*hexutil.Big)(price),
		Status:    didpay.ContractStatus(rec.Status),
		Provider:  common.HexToAddress(rec.Provider),
		Customer:  common.HexToAddress(rec.Customer),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.TxHash != "" {
		h := common.HexToHash(rec.TxHash)
		c.TxHash = &h
	}
	return c, nil
}

// RedemptionRecord is one row of the redemption ledger
type RedemptionRecord struct {
	ID             uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Seq            int64      `gorm:"column:seq;not null" json:"seq"`
	DelegationCIDs stringList `gorm:"column:delegation_cids;not null" json:"delegationCids"`
	Delegators     stringList `gorm:"column:delegators;not null" json:"delegators"`
	Amount         string     `gorm:"column:amount;not null" json:"amount"`
	Nonce          string     `gorm:"column:nonce" json:"nonce,omitempty"`
	UserOpHash     string     `gorm:"column:user_op_hash;index" json:"userOpHash,omitempty"`
	TxHash         string     `gorm:"column:tx_hash" json:"txHash,omitempty"`
	Success        bool       `gorm:"column:success;not null;default:false" json:"success"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	SubmittedAt    time.Time  `gorm:"column:submitted_at" json:"submittedAt"`
	SettledAt      time.Time  `gorm:"column:settled_at;not null;index" json:"settledAt"`
}

func (RedemptionRecord) TableName() string {
	return "redemptions"
}

func redemptionRecord(r *didpay.Redemption) RedemptionRecord {
	rec := RedemptionRecord{
		Seq:            r.Seq,
		DelegationCIDs: stringList(r.DelegationCIDs),
		Success:        r.Success,
		Error:          r.Error,
		SubmittedAt:    r.SubmittedAt,
		SettledAt:      r.SettledAt,
	}
	for _, d := range r.Delegators {
		rec.Delegators = append(rec.Delegators, d.Hex())
	}
	if r.Amount != nil {
		rec.Amount = r.Amount.String()
	} else {
		rec.Amount = "0"
	}
	if r.Nonce != nil {
		rec.Nonce = r.Nonce.String()
	}
	if r.UserOpHash != (common.Hash{}) {
		rec.UserOpHash = r.UserOpHash.Hex()
	}
	if r.TxHash != (common.Hash{}) {
		rec.TxHash = r.TxHash.Hex()
	}
	return rec
}

// GormStore implements didpay.ContractStore and the redemption ledger using a database backend
type GormStore struct {
	db *gorm.DB
}

var _ didpay.ContractStore = (*GormStore)(nil)

// NewGormStoreWithDialector creates a new database-backed store with a custom dialector
func NewGormStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "store").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ContractRecord{}, &RedemptionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{
		db: db,
	}, nil
}

func NewGormStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormStoreWithPostgres(dsn string, logger *slog.Logger) (*GormStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	return NewGormStoreWithDialector(
		postgres.Open(u.String()),
		logger,
	)
}

// NewGormStore picks a driver from the URL scheme: postgres:// or postgresql://
// open Postgres, anything else is treated as a sqlite path.
func NewGormStore(dbURL string, logger *slog.Logger) (*GormStore, error) {
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		return NewGormStoreWithPostgres(dbURL, logger)
	}
	return NewGormStoreWithSqlite(strings.TrimPrefix(dbURL, "sqlite://"), logger)
}

func (db *GormStore) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateContract implements didpay.ContractStore
func (db *GormStore) CreateContract(ctx context.Context, c *didpay.ServiceContract) error {
	rec := contractRecord(c)
	if err := db.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

// GetContract implements didpay.ContractStore
func (db *GormStore) GetContract(ctx context.Context, id string) (*didpay.ServiceContract, error) {
	var rec ContractRecord
	result := db.db.WithContext(ctx).Where("id = ?", id).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", didpay.ErrContractNotFound, id)
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.contract()
}

// ListContracts implements didpay.ContractStore
func (db *GormStore) ListContracts(ctx context.Context) ([]*didpay.ServiceContract, error) {
	var recs []ContractRecord
	if err := db.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	out := make([]*didpay.ServiceContract, 0, len(recs))
	for i := range recs {
		c, err := recs[i].contract()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateStatus implements didpay.ContractStore. The status check and the
// update happen in one transaction, guarded on the previous status.
func (db *GormStore) UpdateStatus(ctx context.Context, id string, status didpay.ContractStatus, txHash *common.Hash) (*didpay.ServiceContract, error) {
	var out *didpay.ServiceContract
	err := db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ContractRecord
		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", didpay.ErrContractNotFound, id)
			}
			return fmt.Errorf("database error: %w", err)
		}
		prev := didpay.ContractStatus(rec.Status)
		if !prev.CanAdvanceTo(status) {
			return fmt.Errorf("%w: %s -> %s", didpay.ErrInvalidTransition, prev, status)
		}

		updates := map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}
		if txHash != nil {
			updates["tx_hash"] = txHash.Hex()
		}
		result := tx.Model(&ContractRecord{}).Where("id = ? AND status = ?", id, rec.Status).Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to update contract: %w", result.Error)
		} else if result.RowsAffected != 1 {
			return fmt.Errorf("%w: concurrent status change for %s", didpay.ErrInvalidTransition, id)
		}

		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		c, err := rec.contract()
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitRedemptions atomically appends a batch of redemptions to the ledger.
func (db *GormStore) CommitRedemptions(ctx context.Context, batch []*didpay.Redemption) error {
	if len(batch) == 0 {
		return nil
	}
	recs := make([]RedemptionRecord, len(batch))
	for i, r := range batch {
		recs[i] = redemptionRecord(r)
	}
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&recs).Error; err != nil {
			return fmt.Errorf("failed to insert redemptions: %w", err)
		}
		return nil
	})
}

// ListRedemptions returns the most recent ledger entries, newest first.
func (db *GormStore) ListRedemptions(ctx context.Context, limit int) ([]RedemptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []RedemptionRecord
	if err := db.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return recs, nil
}
