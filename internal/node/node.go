// Package node models one site of the platform: its local ledger, its
// transaction log, its TTL cache and its view of the other sites.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"capsim/internal/domain"
	"capsim/pkg/cache"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	"capsim/pkg/logger"

	"github.com/shopspring/decimal"
)

func balanceKey(user string) string { return "balance:" + user }
func historyKey(user string) string { return "history:" + user }

// Options carries the collaborators shared by all nodes of a cluster.
type Options struct {
	Clock  clock.Clock
	Cache  cache.Store
	Logger logger.Logger
	// HeartbeatStale is how long a node stays healthy without a heartbeat.
	// Zero disables the staleness check.
	HeartbeatStale time.Duration
}

// Node is a simulated site. Every map is guarded by mu; operations on the
// same node never interleave their read-modify-write steps.
type Node struct {
	ID   string
	Name string
	Role domain.NodeRole
	Lat  float64
	Lon  float64

	clock      clock.Clock
	cache      cache.Store
	logger     logger.Logger
	staleAfter time.Duration

	mu            sync.Mutex
	state         domain.NodeState
	balances      map[string]decimal.Decimal
	transactions  []domain.Transaction
	reachable     map[string]bool
	lastHeartbeat time.Time
	staleIsolated bool
	requests      int
	errors        int

	locksMu  sync.Mutex
	accounts map[string]*sync.Mutex
}

// New creates a healthy node from its spec.
func New(spec config.NodeSpec, opts Options) *Node {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryStore(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Node{
		ID:            spec.ID,
		Name:          spec.Name,
		Role:          domain.NodeRole(spec.Role),
		Lat:           spec.Lat,
		Lon:           spec.Lon,
		clock:         opts.Clock,
		cache:         opts.Cache,
		logger:        opts.Logger,
		staleAfter:    opts.HeartbeatStale,
		state:         domain.NodeStateHealthy,
		balances:      make(map[string]decimal.Decimal),
		reachable:     make(map[string]bool),
		accounts:      make(map[string]*sync.Mutex),
		lastHeartbeat: opts.Clock.Now(),
	}
}

// IsPrimary reports whether the node holds the authoritative ledger.
func (n *Node) IsPrimary() bool {
	return n.Role == domain.RolePrimary
}

// CanWrite reports whether the node accepts writes.
func (n *Node) CanWrite() bool {
	return n.Role.CanWrite()
}

// Seed loads accounts and pre-existing transactions without touching the cache.
func (n *Node) Seed(accounts []domain.Account, history []domain.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range accounts {
		n.balances[a.UserID] = a.Balance
	}
	for _, tx := range history {
		n.transactions = append(n.transactions, tx.Clone())
	}
}

// LockAccounts serializes check-then-debit sequences on the given users until
// the returned func is called. Locks are taken in sorted order so two callers
// holding overlapping sets cannot deadlock.
func (n *Node) LockAccounts(users ...string) (unlock func()) {
	ids := append([]string(nil), users...)
	sort.Strings(ids)

	held := make([]*sync.Mutex, 0, len(ids))
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		m := n.accountLock(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (n *Node) accountLock(user string) *sync.Mutex {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	m, ok := n.accounts[user]
	if !ok {
		m = &sync.Mutex{}
		n.accounts[user] = m
	}
	return m
}

// GetBalance returns the user's balance, trying the cache first when
// preferCache is set.
func (n *Node) GetBalance(ctx context.Context, user string, preferCache bool) (decimal.Decimal, bool) {
	n.mu.Lock()
	n.requests++
	n.mu.Unlock()

	if preferCache {
		if v, ok := n.CachedBalance(ctx, user); ok {
			return v, true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.balances[user]
	return v, ok
}

// SetBalance overwrites the local balance and invalidates its cache entry.
func (n *Node) SetBalance(ctx context.Context, user string, amount decimal.Decimal) {
	n.mu.Lock()
	n.balances[user] = amount
	n.mu.Unlock()

	n.invalidate(ctx, balanceKey(user))
}

// ApplyDelta adds delta to the user's balance atomically. A node without the
// account starts from base. It returns the new balance.
func (n *Node) ApplyDelta(ctx context.Context, user string, delta, base decimal.Decimal) decimal.Decimal {
	n.mu.Lock()
	current, ok := n.balances[user]
	if !ok {
		current = base
	}
	updated := current.Add(delta)
	n.balances[user] = updated
	n.mu.Unlock()

	n.invalidate(ctx, balanceKey(user))
	return updated
}

// Balances returns a copy of the local ledger.
func (n *Node) Balances() map[string]decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(n.balances))
	for k, v := range n.balances {
		out[k] = v
	}
	return out
}

// AddTransaction appends a copy of tx stamped with this node and the current
// time, and drops the cached history of both parties.
func (n *Node) AddTransaction(ctx context.Context, tx *domain.Transaction) {
	c := tx.Clone()
	c.NodeID = n.ID
	c.RecordedAt = n.clock.Now()

	n.mu.Lock()
	n.transactions = append(n.transactions, c)
	n.mu.Unlock()

	n.invalidate(ctx, historyKey(c.FromUser))
	if c.ToUser != "" {
		n.invalidate(ctx, historyKey(c.ToUser))
	}
}

// HasTransaction reports whether a record with id is in the local log.
func (n *Node) HasTransaction(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, tx := range n.transactions {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// Transactions returns the records where user is source or destination,
// oldest first.
func (n *Node) Transactions(ctx context.Context, user string, preferCache bool) []domain.Transaction {
	n.mu.Lock()
	n.requests++
	n.mu.Unlock()

	if preferCache {
		if txs, ok := n.CachedTransactions(ctx, user); ok {
			return txs
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Transaction, 0)
	for i := range n.transactions {
		if n.transactions[i].Involves(user) {
			out = append(out, n.transactions[i].Clone())
		}
	}
	return out
}

// CachedBalance returns the live cached balance, if any.
func (n *Node) CachedBalance(ctx context.Context, user string) (decimal.Decimal, bool) {
	var v decimal.Decimal
	if !n.cacheGet(ctx, balanceKey(user), &v) {
		return decimal.Zero, false
	}
	return v, true
}

// CacheBalance stores the balance for ttl.
func (n *Node) CacheBalance(ctx context.Context, user string, v decimal.Decimal, ttl time.Duration) {
	n.cacheSet(ctx, balanceKey(user), v, ttl)
}

// CachedTransactions returns the live cached history, if any.
func (n *Node) CachedTransactions(ctx context.Context, user string) ([]domain.Transaction, bool) {
	var txs []domain.Transaction
	if !n.cacheGet(ctx, historyKey(user), &txs) {
		return nil, false
	}
	return txs, true
}

// CacheTransactions stores the history for ttl.
func (n *Node) CacheTransactions(ctx context.Context, user string, txs []domain.Transaction, ttl time.Duration) {
	n.cacheSet(ctx, historyKey(user), txs, ttl)
}

func (n *Node) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	ok, err := n.cache.Get(ctx, key, dest)
	if err != nil {
		n.logger.Warn("Cache read failed, treating as miss", map[string]interface{}{
			"node": n.ID, "key": key, "error": err.Error(),
		})
		return false
	}
	return ok
}

func (n *Node) cacheSet(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if err := n.cache.Set(ctx, key, v, ttl); err != nil {
		n.logger.Warn("Cache write failed", map[string]interface{}{
			"node": n.ID, "key": key, "error": err.Error(),
		})
	}
}

func (n *Node) invalidate(ctx context.Context, key string) {
	if err := n.cache.Delete(ctx, key); err != nil {
		n.logger.Warn("Cache invalidation failed", map[string]interface{}{
			"node": n.ID, "key": key, "error": err.Error(),
		})
	}
}

// State returns the current health state without evaluating heartbeat staleness.
func (n *Node) State() domain.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState overrides the health state. It clears heartbeat-staleness isolation.
func (n *Node) SetState(s domain.NodeState) {
	n.mu.Lock()
	n.state = s
	n.staleIsolated = false
	n.mu.Unlock()
}

// IsHealthy is false once no heartbeat arrived within the staleness window;
// the node then decays to isolated.
func (n *Node) IsHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.staleAfter > 0 && n.clock.Now().Sub(n.lastHeartbeat) > n.staleAfter {
		if n.state != domain.NodeStateIsolated {
			n.logger.Warn("Heartbeat stale, node isolated", map[string]interface{}{
				"node": n.ID, "last_heartbeat": n.lastHeartbeat,
			})
			n.state = domain.NodeStateIsolated
			n.staleIsolated = true
		}
		return false
	}
	return n.state == domain.NodeStateHealthy
}

// RecordHeartbeat refreshes the heartbeat. Isolation caused only by staleness
// is lifted; partition isolation stays until the partition heals.
func (n *Node) RecordHeartbeat() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastHeartbeat = n.clock.Now()
	if n.staleIsolated && n.allReachableLocked() {
		n.state = domain.NodeStateHealthy
		n.staleIsolated = false
	}
}

// LastHeartbeat returns when the last heartbeat was recorded.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat
}

func (n *Node) allReachableLocked() bool {
	for _, ok := range n.reachable {
		if !ok {
			return false
		}
	}
	return true
}

// SetReachable records whether peer can be reached from this node.
func (n *Node) SetReachable(peer string, ok bool) {
	n.mu.Lock()
	n.reachable[peer] = ok
	n.mu.Unlock()
}

// Reachable defaults to true for peers never marked.
func (n *Node) Reachable(peer string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ok, set := n.reachable[peer]
	return !set || ok
}

// CanReachPrimary is true for the primary itself, otherwise it follows the
// reachability entry for the primary.
func (n *Node) CanReachPrimary(primary *Node) bool {
	if n.IsPrimary() || (primary != nil && n.ID == primary.ID) {
		return true
	}
	if primary == nil {
		return false
	}
	return n.Reachable(primary.ID)
}

// RecordError counts a failed request served by this node.
func (n *Node) RecordError() {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}

// Metrics is a point-in-time snapshot of a node.
type Metrics struct {
	NodeID       string  `json:"node_id"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	State        string  `json:"state"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	Accounts     int     `json:"accounts"`
	Transactions int     `json:"transactions"`
	CacheSize    int     `json:"cache_size"`
}

func (n *Node) Metrics(ctx context.Context) Metrics {
	size, err := n.cache.Len(ctx)
	if err != nil {
		size = -1
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	m := Metrics{
		NodeID:       n.ID,
		Name:         n.Name,
		Role:         string(n.Role),
		State:        string(n.state),
		RequestCount: n.requests,
		ErrorCount:   n.errors,
		Accounts:     len(n.balances),
		Transactions: len(n.transactions),
		CacheSize:    size,
	}
	if n.requests > 0 {
		m.ErrorRate = float64(n.errors) / float64(n.requests) * 100
	}
	return m
}

// SyncReport counts what a resynchronization changed.
type SyncReport struct {
	Accounts     int `json:"accounts"`
	Transactions int `json:"transactions"`
}

// SyncFrom overwrites local balances with src's and appends the records this
// node is missing. Caches for every touched user are invalidated.
func (n *Node) SyncFrom(ctx context.Context, src *Node) SyncReport {
	balances := src.Balances()
	src.mu.Lock()
	records := make([]domain.Transaction, len(src.transactions))
	for i := range src.transactions {
		records[i] = src.transactions[i].Clone()
	}
	src.mu.Unlock()

	touched := make(map[string]bool)
	var report SyncReport

	n.mu.Lock()
	for user, v := range balances {
		if cur, ok := n.balances[user]; !ok || !cur.Equal(v) {
			n.balances[user] = v
			touched[user] = true
			report.Accounts++
		}
	}
	known := make(map[string]bool, len(n.transactions))
	for _, tx := range n.transactions {
		known[tx.ID] = true
	}
	now := n.clock.Now()
	for _, tx := range records {
		if tx.ID == "" || known[tx.ID] {
			continue
		}
		tx.NodeID = n.ID
		tx.RecordedAt = now
		n.transactions = append(n.transactions, tx)
		known[tx.ID] = true
		touched[tx.FromUser] = true
		if tx.ToUser != "" {
			touched[tx.ToUser] = true
		}
		report.Transactions++
	}
	n.mu.Unlock()

	for user := range touched {
		n.invalidate(ctx, balanceKey(user))
		n.invalidate(ctx, historyKey(user))
	}
	return report
}
