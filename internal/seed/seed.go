// Package seed loads the initial accounts and transaction history and builds
// the three-site cluster from them.
package seed

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"capsim/internal/domain"
	"capsim/internal/node"
	"capsim/pkg/cache"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
	"capsim/pkg/validator"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Dataset is the state every node starts from.
type Dataset struct {
	Accounts     []domain.Account     `json:"accounts"`
	Transactions []domain.Transaction `json:"transactions"`
}

// CacheFactory returns the cache store of one node.
type CacheFactory func(nodeID string) cache.Store

// MemoryCaches gives every node its own in-process store.
func MemoryCaches(clk clock.Clock) CacheFactory {
	return func(string) cache.Store {
		return cache.NewMemoryStore(clk)
	}
}

// RedisCaches shares one Redis server between nodes, keying entries under
// namespace:nodeID.
func RedisCaches(client *redis.Client, namespace string) CacheFactory {
	return func(nodeID string) cache.Store {
		return cache.NewRedisStore(client, namespace+":"+nodeID)
	}
}

// LoadAccounts decodes a JSON array of accounts and validates each entry.
func LoadAccounts(r io.Reader) ([]domain.Account, error) {
	var accounts []domain.Account
	if err := json.NewDecoder(r).Decode(&accounts); err != nil {
		return nil, pkgerrors.Wrap(err, "decode accounts")
	}

	v := validator.New()
	seen := make(map[string]bool, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		if err := v.Validate(a); err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if seen[a.UserID] {
			return nil, fmt.Errorf("account %d: duplicate user_id %s", i, a.UserID)
		}
		seen[a.UserID] = true
		if a.Currency == "" {
			a.Currency = domain.XOF
		}
	}
	return accounts, nil
}

// LoadTransactions decodes a JSON array of transaction records.
func LoadTransactions(r io.Reader) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	if err := json.NewDecoder(r).Decode(&txs); err != nil {
		return nil, pkgerrors.Wrap(err, "decode transactions")
	}

	v := validator.New()
	for i := range txs {
		if err := v.Validate(&txs[i]); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if txs[i].Currency == "" {
			txs[i].Currency = domain.XOF
		}
		if txs[i].Status == "" {
			txs[i].Status = domain.TransactionStatusCommitted
		}
	}
	return txs, nil
}

// Load reads the configured seed files. An empty path falls back to the
// built-in data for that part.
func Load(cfg config.SimulationConfig, now time.Time) (Dataset, error) {
	ds := Default(now)

	if cfg.AccountsPath != "" {
		f, err := os.Open(cfg.AccountsPath)
		if err != nil {
			return Dataset{}, pkgerrors.Wrap(err, "open accounts")
		}
		defer f.Close()
		if ds.Accounts, err = LoadAccounts(f); err != nil {
			return Dataset{}, err
		}
	}

	if cfg.TransactionsPath != "" {
		f, err := os.Open(cfg.TransactionsPath)
		if err != nil {
			return Dataset{}, pkgerrors.Wrap(err, "open transactions")
		}
		defer f.Close()
		if ds.Transactions, err = LoadTransactions(f); err != nil {
			return Dataset{}, err
		}
	}

	return ds, nil
}

// BuildCluster creates one node per configured site, each holding a full
// copy of ds, with every pair of sites reachable.
func BuildCluster(cfg *config.Config, clk clock.Clock, log logger.Logger, ds Dataset, caches CacheFactory) (*node.Cluster, error) {
	if caches == nil {
		caches = MemoryCaches(clk)
	}

	nodes := make([]*node.Node, 0, len(cfg.Network.Nodes))
	for _, spec := range cfg.Network.Nodes {
		n := node.New(spec, node.Options{
			Clock:          clk,
			Cache:          caches(spec.ID),
			Logger:         log,
			HeartbeatStale: cfg.Simulation.HeartbeatStale,
		})
		n.Seed(ds.Accounts, ds.Transactions)
		nodes = append(nodes, n)
	}

	cluster, err := node.NewCluster(nodes...)
	if err != nil {
		return nil, err
	}

	log.Info("Cluster seeded", map[string]interface{}{
		"nodes":        len(nodes),
		"accounts":     len(ds.Accounts),
		"transactions": len(ds.Transactions),
	})
	return cluster, nil
}

var defaultAccounts = []struct {
	id, phone, name string
	balance         int64
}{
	{"user_001", "+221771234501", "Aminata Diop", 50000},
	{"user_002", "+221771234502", "Moussa Ndiaye", 35000},
	{"user_003", "+221771234503", "Fatou Sow", 42000},
	{"user_004", "+221771234504", "Ibrahima Fall", 18000},
	{"user_005", "+221771234505", "Awa Ba", 75000},
	{"user_006", "+221771234506", "Cheikh Diallo", 9000},
	{"user_007", "+221771234507", "Mariama Cisse", 120000},
	{"user_008", "+221771234508", "Ousmane Sarr", 27500},
	{"user_009", "+221771234509", "Khady Gueye", 64000},
	{"user_010", "+221771234510", "Mamadou Faye", 5000},
}

// Default returns the built-in dataset: ten accounts and a short committed
// history dated before now.
func Default(now time.Time) Dataset {
	ds := Dataset{}
	for i, a := range defaultAccounts {
		ds.Accounts = append(ds.Accounts, domain.Account{
			UserID:    a.id,
			Phone:     a.phone,
			Name:      a.name,
			Balance:   decimal.NewFromInt(a.balance),
			Currency:  domain.XOF,
			CreatedAt: now.AddDate(0, -6, -i),
			IsActive:  true,
		})
	}

	history := []struct {
		id       string
		kind     domain.TransactionType
		from, to string
		amount   int64
		ago      time.Duration
	}{
		{"TX_0a1b2c01", domain.TransactionTypeTransfer, "user_001", "user_002", 2500, 72 * time.Hour},
		{"TX_0a1b2c02", domain.TransactionTypeTransfer, "user_003", "user_004", 1500, 48 * time.Hour},
		{"PAY_0a1b2c03", domain.TransactionTypePayment, "user_001", "SENELEC", 12000, 30 * time.Hour},
		{"TX_0a1b2c04", domain.TransactionTypeDeposit, "user_005", "", 20000, 26 * time.Hour},
		{"TX_0a1b2c05", domain.TransactionTypeTransfer, "user_007", "user_001", 8000, 20 * time.Hour},
		{"PAY_0a1b2c06", domain.TransactionTypePayment, "user_003", "Orange", 3000, 6 * time.Hour},
		{"TX_0a1b2c07", domain.TransactionTypeWithdrawal, "user_009", "", 10000, 2 * time.Hour},
	}
	for _, h := range history {
		at := now.Add(-h.ago)
		tx := domain.NewTransaction(h.id, h.kind, h.from, h.to, decimal.NewFromInt(h.amount), at)
		_ = tx.MarkCommitted(at)
		ds.Transactions = append(ds.Transactions, *tx)
	}
	return ds
}
