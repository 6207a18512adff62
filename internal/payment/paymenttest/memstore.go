// Package paymenttest provides in-memory collaborators for exercising the
// payment service without a database or live gateways.
package paymenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"givepay/internal/donation"
	"givepay/internal/payment"
)

// Store is an in-memory payment.Store. WithTx holds the store lock for the
// duration of fn and commits staged writes only when fn succeeds.
type Store struct {
	mu         sync.Mutex
	txs        map[string]*payment.Transaction
	byExternal map[string]string
	logs       []*payment.LogEntry
	donations  map[string]*donation.Donation

	// AfterGet runs after GetTransaction has read a row and released the
	// lock. Tests use it to interleave a concurrent writer.
	AfterGet func(id string)
	// FailInsert, when set, is returned by InsertTransaction.
	FailInsert error
	// FailCommit, when set, is returned by WithTx after fn succeeded and
	// nothing is committed.
	FailCommit error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		txs:        make(map[string]*payment.Transaction),
		byExternal: make(map[string]string),
		donations:  make(map[string]*donation.Donation),
	}
}

func externalKey(gateway, externalID string) string {
	return gateway + "/" + externalID
}

func (s *Store) WithTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		txs:       make(map[string]*payment.Transaction),
		donations: make(map[string]*donation.Donation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if s.FailCommit != nil {
		return s.FailCommit
	}

	for id, t := range tx.txs {
		s.txs[id] = t
		if t.ExternalID != "" {
			s.byExternal[externalKey(t.GatewaySlug, t.ExternalID)] = id
		}
	}
	s.logs = append(s.logs, tx.logs...)
	for src, d := range tx.donations {
		s.donations[src] = d
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	s.mu.Lock()
	t, ok := s.txs[id]
	var out *payment.Transaction
	if ok {
		out = t.Clone()
	}
	s.mu.Unlock()

	if !ok {
		return nil, payment.ErrNotFound
	}
	if s.AfterGet != nil {
		s.AfterGet(id)
	}
	return out, nil
}

func (s *Store) GetTransactionByExternalID(ctx context.Context, gatewaySlug, externalID string) (*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalKey(gatewaySlug, externalID)]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return s.txs[id].Clone(), nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*payment.Transaction
	for _, t := range s.txs {
		if t.Status == payment.StatusPending && t.ExpiresAt.Before(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListLogs(ctx context.Context, transactionID string) ([]*payment.LogEntry, error) {
	return s.Logs(transactionID), nil
}

// AppendLog refuses entries for unknown transactions, like the foreign key
// on payment_logs.
func (s *Store) AppendLog(ctx context.Context, entry *payment.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[entry.TransactionID]; entry.TransactionID != "" && !ok {
		return fmt.Errorf("log for transaction %s: %w", entry.TransactionID, payment.ErrNotFound)
	}
	s.logs = append(s.logs, entry)
	return nil
}

// Mutate changes a stored transaction outside the service, bumping its
// version the way a concurrent writer would.
func (s *Store) Mutate(id string, fn func(t *payment.Transaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.txs[id].Clone()
	fn(t)
	t.Version++
	s.txs[id] = t
}

// Put stores t as is.
func (s *Store) Put(t *payment.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[t.ID] = t.Clone()
	if t.ExternalID != "" {
		s.byExternal[externalKey(t.GatewaySlug, t.ExternalID)] = t.ID
	}
}

// Count returns the number of stored transactions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Logs returns the entries of a transaction in append order. An empty ID
// returns the unmatched entries.
func (s *Store) Logs(transactionID string) []*payment.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*payment.LogEntry
	for _, e := range s.logs {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out
}

// Actions returns the actions logged for a transaction in order.
func (s *Store) Actions(transactionID string) []payment.Action {
	var out []payment.Action
	for _, e := range s.Logs(transactionID) {
		out = append(out, e.Action)
	}
	return out
}

// CountAction counts entries with the given action for a transaction.
func (s *Store) CountAction(transactionID string, action payment.Action) int {
	n := 0
	for _, e := range s.Logs(transactionID) {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Donations returns every stored donation.
func (s *Store) Donations() []*donation.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*donation.Donation, 0, len(s.donations))
	for _, d := range s.donations {
		out = append(out, d)
	}
	return out
}

type memTx struct {
	s         *Store
	txs       map[string]*payment.Transaction
	logs      []*payment.LogEntry
	donations map[string]*donation.Donation
}

func (tx *memTx) current(id string) (*payment.Transaction, bool) {
	if t, ok := tx.txs[id]; ok {
		return t, true
	}
	t, ok := tx.s.txs[id]
	return t, ok
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *payment.Transaction) error {
	if tx.s.FailInsert != nil {
		return tx.s.FailInsert
	}
	if _, ok := tx.current(t.ID); ok {
		return payment.ErrAlreadyExists
	}
	if t.ExternalID != "" {
		if _, ok := tx.s.byExternal[externalKey(t.GatewaySlug, t.ExternalID)]; ok {
			return payment.ErrAlreadyExists
		}
	}
	tx.txs[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) UpdateTransaction(ctx context.Context, t *payment.Transaction, expectedVersion int64) error {
	cur, ok := tx.current(t.ID)
	if !ok {
		return payment.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return payment.ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	tx.txs[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) AppendLog(ctx context.Context, entry *payment.LogEntry) error {
	tx.logs = append(tx.logs, entry)
	return nil
}

func (tx *memTx) GetDonationBySource(ctx context.Context, sourceTransactionID string) (*donation.Donation, error) {
	if d, ok := tx.donations[sourceTransactionID]; ok {
		return d, nil
	}
	if d, ok := tx.s.donations[sourceTransactionID]; ok {
		return d, nil
	}
	return nil, donation.ErrNotFound
}

func (tx *memTx) CreateDonation(ctx context.Context, d *donation.Donation) error {
	if _, err := tx.GetDonationBySource(ctx, d.SourceTransactionID); err == nil {
		return donation.ErrDuplicate
	}
	tx.donations[d.SourceTransactionID] = d
	return nil
}
