// Package testutils provides an in-memory repository honouring the same
// atomicity contract as the Postgres one.
package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
)

type memState struct {
	users        map[int64]models.User
	transactions map[int64]*models.Transaction
	promotions   map[int64]models.Promotion
	events       map[int64]models.Event
	guests       map[int64]map[int64]bool
	organizers   map[int64]map[int64]bool
	onetimeUses  map[[2]int64]int64

	nextUserID, nextTransactionID, nextPromotionID, nextEventID int64
}

func newMemState() *memState {
	return &memState{
		users:        map[int64]models.User{},
		transactions: map[int64]*models.Transaction{},
		promotions:   map[int64]models.Promotion{},
		events:       map[int64]models.Event{},
		guests:       map[int64]map[int64]bool{},
		organizers:   map[int64]map[int64]bool{},
		onetimeUses:  map[[2]int64]int64{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v.Clone()
	}
	for k, v := range s.promotions {
		c.promotions[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, set := range s.guests {
		c.guests[k] = copySet(set)
	}
	for k, set := range s.organizers {
		c.organizers[k] = copySet(set)
	}
	for k, v := range s.onetimeUses {
		c.onetimeUses[k] = v
	}
	c.nextUserID = s.nextUserID
	c.nextTransactionID = s.nextTransactionID
	c.nextPromotionID = s.nextPromotionID
	c.nextEventID = s.nextEventID
	return c
}

func copySet(set map[int64]bool) map[int64]bool {
	c := make(map[int64]bool, len(set))
	for k, v := range set {
		c[k] = v
	}
	return c
}

// MemoryRepository is a repository.Repository kept in process memory. Atomic
// operations run one at a time against a copy of the state that replaces the
// live state only when the operation succeeds.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

var _ repository.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

func (m *MemoryRepository) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(ctx, &memLedgerTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.state.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *MemoryRepository) GetUserByUTORid(_ context.Context, utorid string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.userByUTORid(utorid), nil
}

func (m *MemoryRepository) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.state.transactions[id]; ok {
		return t.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryRepository) GetEvent(_ context.Context, id int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.state.events[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *MemoryRepository) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.userByUTORid(user.UTORid) != nil {
		return fmt.Errorf("utorid %q already exists", user.UTORid)
	}
	m.state.nextUserID++
	user.ID = m.state.nextUserID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.state.users[user.ID] = *user
	return nil
}

func (m *MemoryRepository) CreatePromotion(_ context.Context, promotion *models.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextPromotionID++
	promotion.ID = m.state.nextPromotionID
	m.state.promotions[promotion.ID] = *promotion
	return nil
}

func (m *MemoryRepository) CreateEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextEventID++
	event.ID = m.state.nextEventID
	m.state.events[event.ID] = *event
	return nil
}

func (m *MemoryRepository) AddEventGuest(_ context.Context, eventID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.addMember(m.state.guests, eventID, userID)
}

func (m *MemoryRepository) RemoveEventGuest(_ context.Context, eventID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.guests[eventID], userID)
	return nil
}

func (m *MemoryRepository) AddEventOrganizer(_ context.Context, eventID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.addMember(m.state.organizers, eventID, userID)
}

// Transactions returns every stored transaction ordered by id.
func (m *MemoryRepository) Transactions() []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Transaction, 0, len(m.state.transactions))
	for _, t := range m.state.transactions {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LedgerSum is the sum of amounts over userID's non-suspicious transactions.
func (m *MemoryRepository) LedgerSum(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.state.transactions {
		if t.OwnerID == userID && !t.Suspicious {
			sum += t.Amount
		}
	}
	return sum
}

func (s *memState) userByUTORid(utorid string) *models.User {
	for _, u := range s.users {
		if u.UTORid == utorid {
			u := u
			return &u
		}
	}
	return nil
}

func (s *memState) addMember(sets map[int64]map[int64]bool, eventID, userID int64) error {
	if _, ok := s.events[eventID]; !ok {
		return fmt.Errorf("event %d does not exist", eventID)
	}
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %d does not exist", userID)
	}
	if sets[eventID] == nil {
		sets[eventID] = map[int64]bool{}
	}
	sets[eventID][userID] = true
	return nil
}

// memLedgerTx operates on a private copy of the state; locking is implied by
// the repository mutex.
type memLedgerTx struct {
	s *memState
}

func (t *memLedgerTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return t.LockUser(ctx, id)
}

func (t *memLedgerTx) LockUser(_ context.Context, id int64) (*models.User, error) {
	if u, ok := t.s.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (t *memLedgerTx) LockUserByUTORid(_ context.Context, utorid string) (*models.User, error) {
	return t.s.userByUTORid(utorid), nil
}

func (t *memLedgerTx) LockUsers(_ context.Context, ids ...int64) (map[int64]*models.User, error) {
	out := make(map[int64]*models.User, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok {
			u := u
			out[id] = &u
		}
	}
	return out, nil
}

func (t *memLedgerTx) LockEvent(_ context.Context, id int64) (*models.Event, error) {
	if e, ok := t.s.events[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (t *memLedgerTx) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return t.GetTransaction(ctx, id)
}

func (t *memLedgerTx) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	if tx, ok := t.s.transactions[id]; ok {
		return tx.Clone(), nil
	}
	return nil, nil
}

func (t *memLedgerTx) GetPromotion(_ context.Context, id int64) (*models.Promotion, error) {
	if p, ok := t.s.promotions[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (t *memLedgerTx) ActiveAutomaticPromotions(_ context.Context, at time.Time) ([]models.Promotion, error) {
	var out []models.Promotion
	for _, p := range t.s.promotions {
		if p.Kind == models.PromotionAutomatic && p.ActiveAt(at) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memLedgerTx) PromotionUsed(_ context.Context, userID, promotionID int64) (bool, error) {
	for _, tx := range t.s.transactions {
		if tx.OwnerID != userID {
			continue
		}
		if purchase, ok := tx.Purchase(); ok {
			for _, id := range purchase.PromotionIDs {
				if id == promotionID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (t *memLedgerTx) ConsumeOneTimePromotion(_ context.Context, userID, promotionID, transactionID int64) error {
	key := [2]int64{userID, promotionID}
	if _, ok := t.s.onetimeUses[key]; ok {
		return models.PromotionConflict(promotionID, "one-time promotion already used")
	}
	t.s.onetimeUses[key] = transactionID
	return nil
}

func (t *memLedgerTx) EventGuests(_ context.Context, eventID int64) ([]models.User, error) {
	var out []models.User
	for id := range t.s.guests[eventID] {
		out = append(out, t.s.users[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memLedgerTx) IsEventGuest(_ context.Context, eventID, userID int64) (bool, error) {
	return t.s.guests[eventID][userID], nil
}

func (t *memLedgerTx) IsEventOrganizer(_ context.Context, eventID, userID int64) (bool, error) {
	return t.s.organizers[eventID][userID], nil
}

func (t *memLedgerTx) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	if _, ok := t.s.users[tx.OwnerID]; !ok {
		return fmt.Errorf("owner %d does not exist", tx.OwnerID)
	}
	t.s.nextTransactionID++
	tx.ID = t.s.nextTransactionID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	t.s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (t *memLedgerTx) AdjustBalance(_ context.Context, userID, delta int64) error {
	u, ok := t.s.users[userID]
	if !ok {
		return models.StateConflict("user", userID, "expected to update one row, updated 0")
	}
	u.Balance += delta
	t.s.users[userID] = u
	return nil
}

func (t *memLedgerTx) AddEventAwarded(_ context.Context, eventID, amount int64) error {
	e, ok := t.s.events[eventID]
	if !ok {
		return models.StateConflict("event", eventID, "expected to update one row, updated 0")
	}
	if e.PointsAwarded+amount > e.PointsTotal {
		return fmt.Errorf("event %d: points_awarded would exceed points_total", eventID)
	}
	e.PointsAwarded += amount
	t.s.events[eventID] = e
	return nil
}

func (t *memLedgerTx) SetSuspicious(_ context.Context, transactionID int64, suspicious bool) error {
	tx, ok := t.s.transactions[transactionID]
	if !ok {
		return models.StateConflict("transaction", transactionID, "expected to update one row, updated 0")
	}
	tx.Suspicious = suspicious
	return nil
}

func (t *memLedgerTx) FinalizeRedemption(_ context.Context, transactionID, processedBy, amount int64) error {
	tx, ok := t.s.transactions[transactionID]
	if !ok {
		return models.StateConflict("transaction", transactionID, "expected to update one row, updated 0")
	}
	redemption, ok := tx.Redemption()
	if !ok || redemption.Processed() {
		return models.StateConflict("transaction", transactionID, "expected to update one row, updated 0")
	}
	redemption.ProcessedBy = &processedBy
	tx.Amount = amount
	return nil
}
