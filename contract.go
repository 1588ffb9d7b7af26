package didpay

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

type ContractStatus string

const (
	ContractPending   ContractStatus = "pending"
	ContractSigned    ContractStatus = "signed"
	ContractDelegated ContractStatus = "delegated"
	ContractCompleted ContractStatus = "completed"
)

var contractStatusRank = map[ContractStatus]int{
	ContractPending:   0,
	ContractSigned:    1,
	ContractDelegated: 2,
	ContractCompleted: 3,
}

func (s ContractStatus) Valid() bool {
	_, ok := contractStatusRank[s]
	return ok
}

// CanAdvanceTo reports whether a contract in status s may move to next.
// Transitions only go forward, though intermediate statuses may be skipped.
func (s ContractStatus) CanAdvanceTo(next ContractStatus) bool {
	from, ok := contractStatusRank[s]
	if !ok {
		return false
	}
	to, ok := contractStatusRank[next]
	return ok && to > from
}

// ServiceContract is an agreement between a provider and a customer for a
// priced service. Contracts are never deleted.
type ServiceContract struct {
	ID        string         `json:"id"`
	Terms     string         `json:"terms"`
	Price     *hexutil.Big   `json:"price"`
	Status    ContractStatus `json:"status"`
	Provider  common.Address `json:"provider"`
	Customer  common.Address `json:"customer"`
	TxHash    *common.Hash   `json:"txHash,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewServiceContract validates the fields of a new contract and assigns it an id.
func NewServiceContract(terms string, price *big.Int, provider, customer common.Address) (*ServiceContract, error) {
	if terms == "" {
		return nil, fmt.Errorf("%w: missing terms", ErrInvalidContract)
	}
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("%w: missing or negative price", ErrInvalidContract)
	}
	if provider == (common.Address{}) || customer == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing provider or customer address", ErrInvalidContract)
	}
	now := time.Now().UTC()
	return &ServiceContract{
		ID:        uuid.NewString(),
		Terms:     terms,
		Price:     (*hexutil.Big)(new(big.Int).Set(price)),
		Status:    ContractPending,
		Provider:  provider,
		Customer:  customer,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type ContractStore interface {
	CreateContract(ctx context.Context, c *ServiceContract) error

	// GetContract returns ErrContractNotFound (possibly wrapped) for unknown ids.
	GetContract(ctx context.Context, id string) (*ServiceContract, error)

	// ListContracts returns all contracts, oldest first.
	ListContracts(ctx context.Context) ([]*ServiceContract, error)

	// UpdateStatus advances a contract's status. Backward or unknown
	// transitions fail with ErrInvalidTransition. txHash may be nil.
	UpdateStatus(ctx context.Context, id string, status ContractStatus, txHash *common.Hash) (*ServiceContract, error)
}

// MemContractStore is an in-memory implementation of the ContractStore interface
type MemContractStore struct {
	contracts map[string]*ServiceContract
	lock      sync.RWMutex
}

var _ ContractStore = (*MemContractStore)(nil)

func NewMemContractStore() *MemContractStore {
	return &MemContractStore{
		contracts: make(map[string]*ServiceContract),
	}
}

func (store *MemContractStore) CreateContract(ctx context.Context, c *ServiceContract) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if _, exists := store.contracts[c.ID]; exists {
		return fmt.Errorf("contract already exists: %s", c.ID)
	}
	cp := *c
	store.contracts[c.ID] = &cp
	return nil
}

func (store *MemContractStore) GetContract(ctx context.Context, id string) (*ServiceContract, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	c, exists := store.contracts[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (store *MemContractStore) ListContracts(ctx context.Context) ([]*ServiceContract, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	out := make([]*ServiceContract, 0, len(store.contracts))
	for _, c := range store.contracts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (store *MemContractStore) UpdateStatus(ctx context.Context, id string, status ContractStatus, txHash *common.Hash) (*ServiceContract, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	c, exists := store.contracts[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	if !c.Status.CanAdvanceTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	if txHash != nil {
		h := *txHash
		c.TxHash = &h
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &cp, nil
}
