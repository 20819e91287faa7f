package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stimatrack/backend/internal/domain"
	"stimatrack/backend/internal/store"
	"stimatrack/backend/internal/xid"
)

// Store keeps everything in maps behind one mutex. Each transition method
// takes the write lock once for its whole body, which gives the same
// all-or-nothing behavior the postgres backend gets from a transaction.
type Store struct {
	mu sync.RWMutex

	stockByID          map[string]domain.MeterUnit
	stockIDBySerial    map[string]string
	agentMetersByID    map[string]domain.AgentMeter
	agentMeterBySerial map[string]string
	soldByID           map[string]domain.SoldMeter
	soldIDBySerial     map[string]string
	agentsByID         map[string]domain.Agent
	purchaseBatches    map[string]domain.PurchaseBatch
	transactionsByID   map[string]domain.SalesTransaction
	batchesByID        map[string]domain.SaleBatch
	faultyByID         map[string]domain.FaultyReturn
	ledger             []domain.AgentLedgerEntry
	notificationsByID  map[string]domain.Notification
	notificationReads  map[string]map[string]struct{}
	usersByUsername    map[string]domain.UserAccount
	refSeqByYear       map[int]int
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These are never used
// in production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"clerk", clerkPwd, "clerk"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	return &Store{
		stockByID:          make(map[string]domain.MeterUnit),
		stockIDBySerial:    make(map[string]string),
		agentMetersByID:    make(map[string]domain.AgentMeter),
		agentMeterBySerial: make(map[string]string),
		soldByID:           make(map[string]domain.SoldMeter),
		soldIDBySerial:     make(map[string]string),
		agentsByID:         make(map[string]domain.Agent),
		purchaseBatches:    make(map[string]domain.PurchaseBatch),
		transactionsByID:   make(map[string]domain.SalesTransaction),
		batchesByID:        make(map[string]domain.SaleBatch),
		faultyByID:         make(map[string]domain.FaultyReturn),
		ledger:             make([]domain.AgentLedgerEntry, 0, 64),
		notificationsByID:  make(map[string]domain.Notification),
		notificationReads:  make(map[string]map[string]struct{}),
		usersByUsername:    seedUsers(),
		refSeqByYear:       make(map[int]int),
	}
}

// serialLocationLocked reports where a normalized serial currently lives.
// Callers hold at least the read lock.
func (s *Store) serialLocationLocked(serial string) domain.SerialLocation {
	loc := domain.SerialLocation{}
	if _, ok := s.stockIDBySerial[serial]; ok {
		loc.ExistsInStock = true
	}
	if _, ok := s.agentMeterBySerial[serial]; ok {
		loc.ExistsInAgent = true
	}
	if _, ok := s.soldIDBySerial[serial]; ok {
		loc.ExistsInSold = true
	}
	return loc
}

func (s *Store) AddStockMeters(_ context.Context, meters []domain.MeterUnit) error {
	if len(meters) == 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dups []string
	for _, m := range meters {
		if m.Serial == "" || !domain.IsValidMeterType(m.Type) {
			return store.ErrValidation
		}
		if s.serialLocationLocked(m.Serial).Anywhere() {
			dups = append(dups, m.Serial)
		}
	}
	if len(dups) > 0 {
		return &store.DuplicateSerialError{Serials: dups}
	}

	for _, m := range meters {
		if m.ID == "" {
			m.ID = xid.New("mtr")
		}
		if m.AddedAt.IsZero() {
			m.AddedAt = time.Now().UTC()
		}
		s.stockByID[m.ID] = m
		s.stockIDBySerial[m.Serial] = m.ID
	}
	return nil
}

func (s *Store) ListStockMeters(_ context.Context, meterType string, limit int) ([]domain.MeterUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MeterUnit, 0, len(s.stockByID))
	for _, m := range s.stockByID {
		if meterType != "" && m.Type != meterType {
			continue
		}
		result = append(result, m)
	}
	slices.SortFunc(result, func(a, b domain.MeterUnit) int {
		if a.AddedAt.Equal(b.AddedAt) {
			return cmpString(a.Serial, b.Serial)
		}
		if a.AddedAt.After(b.AddedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CheckSerials(_ context.Context, serials []string) (map[string]domain.SerialLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.SerialLocation, len(serials))
	for _, serial := range serials {
		result[serial] = s.serialLocationLocked(serial)
	}
	return result, nil
}

func (s *Store) CreatePurchaseBatch(_ context.Context, batch domain.PurchaseBatch, meters []domain.MeterUnit) (*domain.PurchaseBatch, error) {
	if !domain.IsValidMeterType(batch.Type) || len(meters) == 0 || batch.UnitCostCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dups []string
	for _, m := range meters {
		if s.serialLocationLocked(m.Serial).Anywhere() {
			dups = append(dups, m.Serial)
		}
	}
	if len(dups) > 0 {
		return nil, &store.DuplicateSerialError{Serials: dups}
	}

	if batch.ID == "" {
		batch.ID = xid.New("pb")
	}
	if batch.PurchasedAt.IsZero() {
		batch.PurchasedAt = time.Now().UTC()
	}
	batch.Quantity = len(meters)
	s.purchaseBatches[batch.ID] = batch

	for _, m := range meters {
		if m.ID == "" {
			m.ID = xid.New("mtr")
		}
		if m.AddedAt.IsZero() {
			m.AddedAt = batch.PurchasedAt
		}
		m.PurchaseBatchID = batch.ID
		s.stockByID[m.ID] = m
		s.stockIDBySerial[m.Serial] = m.ID
	}

	created := batch
	return &created, nil
}

func (s *Store) ListPurchaseBatches(_ context.Context, limit int) ([]domain.PurchaseBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseBatch, 0, len(s.purchaseBatches))
	for _, b := range s.purchaseBatches {
		result = append(result, b)
	}
	slices.SortFunc(result, func(a, b domain.PurchaseBatch) int {
		if a.PurchasedAt.Equal(b.PurchasedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.PurchasedAt.After(b.PurchasedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAgent(_ context.Context, agent domain.Agent) (*domain.Agent, error) {
	if strings.TrimSpace(agent.Name) == "" || strings.TrimSpace(agent.Phone) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.agentsByID {
		if existing.Phone == agent.Phone {
			return nil, fmt.Errorf("%w: phone %s already registered", store.ErrConflict, agent.Phone)
		}
	}
	if agent.ID == "" {
		agent.ID = xid.New("agt")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	agent.Active = true
	s.agentsByID[agent.ID] = agent
	created := agent
	return &created, nil
}

func (s *Store) GetAgentByID(_ context.Context, agentID string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agentsByID[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyAgent := agent
	return &copyAgent, nil
}

func (s *Store) ListAgents(_ context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]domain.Agent, 0, len(s.agentsByID))
	for _, a := range s.agentsByID {
		agents = append(agents, a)
	}
	slices.SortFunc(agents, func(a, b domain.Agent) int {
		return cmpString(a.Name, b.Name)
	})
	return agents, nil
}

func (s *Store) UpdateAgent(_ context.Context, agent domain.Agent) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agentsByID[agent.ID]; !ok {
		return nil, store.ErrNotFound
	}
	for id, existing := range s.agentsByID {
		if id != agent.ID && existing.Phone == agent.Phone {
			return nil, fmt.Errorf("%w: phone %s already registered", store.ErrConflict, agent.Phone)
		}
	}
	s.agentsByID[agent.ID] = agent
	updated := agent
	return &updated, nil
}

// DeleteAgentWithRestock moves everything the agent holds back into central
// stock, then removes the agent and its ledger. One lock hold, so a
// concurrent sale out of this agent's inventory cannot interleave.
func (s *Store) DeleteAgentWithRestock(_ context.Context, agentID string, restockedBy string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agentsByID[agentID]; !ok {
		return 0, store.ErrNotFound
	}

	now := time.Now().UTC()
	restocked := 0
	for id, am := range s.agentMetersByID {
		if am.AgentID != agentID {
			continue
		}
		unit := domain.MeterUnit{
			ID:      xid.New("mtr"),
			Serial:  am.Serial,
			Type:    am.Type,
			AddedBy: restockedBy,
			AddedAt: now,
		}
		s.stockByID[unit.ID] = unit
		s.stockIDBySerial[unit.Serial] = unit.ID
		delete(s.agentMetersByID, id)
		delete(s.agentMeterBySerial, am.Serial)
		restocked++
	}

	kept := s.ledger[:0]
	for _, entry := range s.ledger {
		if entry.AgentID != agentID {
			kept = append(kept, entry)
		}
	}
	s.ledger = kept
	delete(s.agentsByID, agentID)
	return restocked, nil
}

func (s *Store) ListAgentMeters(_ context.Context, agentID string) ([]domain.AgentMeter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AgentMeter, 0, 32)
	for _, am := range s.agentMetersByID {
		if am.AgentID != agentID {
			continue
		}
		result = append(result, am)
	}
	slices.SortFunc(result, func(a, b domain.AgentMeter) int {
		if a.AssignedAt.Equal(b.AssignedAt) {
			return cmpString(a.Serial, b.Serial)
		}
		if a.AssignedAt.After(b.AssignedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListAgentLedger(_ context.Context, agentID string, limit int) ([]domain.AgentLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AgentLedgerEntry, 0, 32)
	for _, entry := range s.ledger {
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AgentLedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AssignMetersToAgent(_ context.Context, agentID string, meterIDs []string, assignedBy string, ledger []domain.AgentLedgerEntry) ([]domain.AgentMeter, error) {
	if len(meterIDs) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agentsByID[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !agent.Active {
		return nil, fmt.Errorf("%w: agent %s is inactive", store.ErrValidation, agentID)
	}

	var missing []string
	consumed := make(map[string]bool, len(meterIDs))
	for _, id := range meterIDs {
		if _, ok := s.stockByID[id]; !ok || consumed[id] {
			missing = append(missing, id)
			continue
		}
		consumed[id] = true
	}
	if len(missing) > 0 {
		return nil, &store.MissingMetersError{Source: "stock", Serials: missing}
	}

	now := time.Now().UTC()
	assigned := make([]domain.AgentMeter, 0, len(meterIDs))
	for _, id := range meterIDs {
		unit := s.stockByID[id]
		delete(s.stockByID, id)
		delete(s.stockIDBySerial, unit.Serial)

		am := domain.AgentMeter{
			ID:         xid.New("am"),
			Serial:     unit.Serial,
			Type:       unit.Type,
			AgentID:    agentID,
			AssignedBy: assignedBy,
			AssignedAt: now,
		}
		s.agentMetersByID[am.ID] = am
		s.agentMeterBySerial[am.Serial] = am.ID
		assigned = append(assigned, am)
	}

	for _, entry := range ledger {
		if entry.ID == "" {
			entry.ID = xid.New("led")
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.ledger = append(s.ledger, entry)
	}

	return assigned, nil
}

func (s *Store) ReturnMetersFromAgent(_ context.Context, agentID string, agentMeterIDs []string, returnedBy string, ledger []domain.AgentLedgerEntry) error {
	if len(agentMeterIDs) == 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agentsByID[agentID]; !ok {
		return store.ErrNotFound
	}

	var missing []string
	consumed := make(map[string]bool, len(agentMeterIDs))
	for _, id := range agentMeterIDs {
		am, ok := s.agentMetersByID[id]
		if !ok || am.AgentID != agentID || consumed[id] {
			missing = append(missing, id)
			continue
		}
		consumed[id] = true
	}
	if len(missing) > 0 {
		return &store.MissingMetersError{Source: "agent", Serials: missing}
	}

	now := time.Now().UTC()
	for _, id := range agentMeterIDs {
		am := s.agentMetersByID[id]
		delete(s.agentMetersByID, id)
		delete(s.agentMeterBySerial, am.Serial)

		unit := domain.MeterUnit{
			ID:      xid.New("mtr"),
			Serial:  am.Serial,
			Type:    am.Type,
			AddedBy: returnedBy,
			AddedAt: now,
		}
		s.stockByID[unit.ID] = unit
		s.stockIDBySerial[unit.Serial] = unit.ID
	}

	for _, entry := range ledger {
		if entry.ID == "" {
			entry.ID = xid.New("led")
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.ledger = append(s.ledger, entry)
	}

	return nil
}

// CreateSale executes the whole settlement under one lock hold: re-check
// sources and sold collisions, allocate the yearly reference, insert the
// transaction, its batches and sold rows, and remove each unit from its
// source.
func (s *Store) CreateSale(_ context.Context, sale store.SaleRecord) (*domain.SalesTransaction, error) {
	if len(sale.Sold) == 0 || len(sale.Batches) == 0 || len(sale.SourceIDs) != len(sale.Sold) {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The serial and type recorded on each sold row come from the source row
	// itself, never from the caller's pairing. A source id repeated in the
	// input is only there once, so the repeat counts as missing.
	var missing []string
	consumed := make(map[string]bool, len(sale.SourceIDs))
	sourceSerials := make([]string, len(sale.SourceIDs))
	sourceTypes := make([]string, len(sale.SourceIDs))
	switch sale.Source {
	case domain.SaleSourceStock:
		for i, id := range sale.SourceIDs {
			unit, ok := s.stockByID[id]
			if !ok || consumed[id] {
				missing = append(missing, sale.Sold[i].Serial)
				continue
			}
			consumed[id] = true
			sourceSerials[i] = unit.Serial
			sourceTypes[i] = unit.Type
		}
	case domain.SaleSourceAgent:
		if _, ok := s.agentsByID[sale.AgentID]; !ok {
			return nil, store.ErrNotFound
		}
		for i, id := range sale.SourceIDs {
			am, ok := s.agentMetersByID[id]
			if !ok || am.AgentID != sale.AgentID || consumed[id] {
				missing = append(missing, sale.Sold[i].Serial)
				continue
			}
			consumed[id] = true
			sourceSerials[i] = am.Serial
			sourceTypes[i] = am.Type
		}
	default:
		return nil, store.ErrValidation
	}
	if len(missing) > 0 {
		return nil, &store.MissingMetersError{Source: sale.Source, Serials: missing}
	}

	var alreadySold []string
	for _, ser := range sourceSerials {
		if _, ok := s.soldIDBySerial[ser]; ok {
			alreadySold = append(alreadySold, ser)
		}
	}
	if len(alreadySold) > 0 {
		return nil, &store.AlreadySoldError{Serials: alreadySold}
	}

	tx := sale.Transaction
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.SaleDate.IsZero() {
		tx.SaleDate = time.Now().UTC()
	}
	year := tx.SaleDate.Year()
	s.refSeqByYear[year]++
	tx.Reference = fmt.Sprintf("SR/%d/%05d", year, s.refSeqByYear[year])

	for i := range sale.Batches {
		if sale.Batches[i].ID == "" {
			sale.Batches[i].ID = xid.New("sb")
		}
		sale.Batches[i].TransactionID = tx.ID
	}
	batchByType := make(map[string]string, len(sale.Batches))
	for _, b := range sale.Batches {
		batchByType[b.Type] = b.ID
	}

	for i, id := range sale.SourceIDs {
		switch sale.Source {
		case domain.SaleSourceStock:
			delete(s.stockByID, id)
			delete(s.stockIDBySerial, sourceSerials[i])
		case domain.SaleSourceAgent:
			delete(s.agentMetersByID, id)
			delete(s.agentMeterBySerial, sourceSerials[i])
		}

		sold := sale.Sold[i]
		if sold.ID == "" {
			sold.ID = xid.New("sm")
		}
		sold.Serial = sourceSerials[i]
		sold.Type = sourceTypes[i]
		sold.SaleBatchID = batchByType[sold.Type]
		sold.Status = domain.SoldStatusActive
		if sold.SoldAt.IsZero() {
			sold.SoldAt = tx.SaleDate
		}
		s.soldByID[sold.ID] = sold
		s.soldIDBySerial[sold.Serial] = sold.ID
	}

	s.transactionsByID[tx.ID] = tx
	for _, b := range sale.Batches {
		s.batchesByID[b.ID] = b
	}

	created := tx
	return &created, nil
}

func (s *Store) ListSalesTransactions(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.SalesTransactionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalesTransactionDetail, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if !from.IsZero() && tx.SaleDate.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.SaleDate.Before(to) {
			continue
		}
		detail := domain.SalesTransactionDetail{Transaction: tx}
		for _, b := range s.batchesByID {
			if b.TransactionID == tx.ID {
				detail.Batches = append(detail.Batches, b)
			}
		}
		slices.SortFunc(detail.Batches, func(a, b domain.SaleBatch) int {
			return cmpString(a.Type, b.Type)
		})
		result = append(result, detail)
	}
	slices.SortFunc(result, func(a, b domain.SalesTransactionDetail) int {
		if a.Transaction.SaleDate.Equal(b.Transaction.SaleDate) {
			return cmpString(b.Transaction.Reference, a.Transaction.Reference)
		}
		if a.Transaction.SaleDate.After(b.Transaction.SaleDate) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListSoldMeters(_ context.Context, status string, limit int) ([]domain.SoldMeter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SoldMeter, 0, len(s.soldByID))
	for _, sm := range s.soldByID {
		if status != "" && sm.Status != status {
			continue
		}
		result = append(result, sm)
	}
	slices.SortFunc(result, func(a, b domain.SoldMeter) int {
		if a.SoldAt.Equal(b.SoldAt) {
			return cmpString(a.Serial, b.Serial)
		}
		if a.SoldAt.After(b.SoldAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetSoldMetersByIDs(_ context.Context, ids []string) (map[string]domain.SoldMeter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.SoldMeter, len(ids))
	for _, id := range ids {
		if sm, ok := s.soldByID[id]; ok {
			result[id] = sm
		}
	}
	return result, nil
}

func (s *Store) ReturnSoldMeters(_ context.Context, returns []store.SoldReturn, actor string, at time.Time) error {
	if len(returns) == 0 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write.
	var missing []string
	consumed := make(map[string]bool, len(returns))
	for _, ret := range returns {
		sm, ok := s.soldByID[ret.SoldID]
		if !ok || sm.Status != domain.SoldStatusActive || consumed[ret.SoldID] {
			missing = append(missing, ret.Serial)
			continue
		}
		consumed[ret.SoldID] = true
		if ret.Replacement != nil {
			if _, ok := s.stockIDBySerial[ret.Replacement.Serial]; !ok {
				return &store.MissingMetersError{Source: "stock", Serials: []string{ret.Replacement.Serial}}
			}
		}
	}
	if len(missing) > 0 {
		return &store.MissingMetersError{Source: "sold", Serials: missing}
	}

	for _, ret := range returns {
		sm := s.soldByID[ret.SoldID]
		switch ret.Condition {
		case domain.ReturnConditionHealthy:
			delete(s.soldByID, sm.ID)
			delete(s.soldIDBySerial, sm.Serial)
			unit := domain.MeterUnit{
				ID:      xid.New("mtr"),
				Serial:  sm.Serial,
				Type:    sm.Type,
				AddedBy: actor,
				AddedAt: at,
			}
			s.stockByID[unit.ID] = unit
			s.stockIDBySerial[unit.Serial] = unit.ID

		case domain.ReturnConditionFaulty:
			fr := domain.FaultyReturn{
				ID:               xid.New("fr"),
				Serial:           sm.Serial,
				Type:             sm.Type,
				FaultDescription: ret.FaultDescription,
				Status:           domain.FaultStatusPending,
				ReturnedBy:       actor,
				ReturnedAt:       at,
				SaleBatchID:      sm.SaleBatchID,
			}
			s.faultyByID[fr.ID] = fr
			delete(s.soldIDBySerial, sm.Serial)

			if ret.Replacement != nil {
				stockID := s.stockIDBySerial[ret.Replacement.Serial]
				repl := s.stockByID[stockID]
				delete(s.stockByID, stockID)
				delete(s.stockIDBySerial, repl.Serial)

				replAt := at
				sm.Status = domain.SoldStatusReplaced
				sm.ReplacementSerial = repl.Serial
				sm.ReplacedBy = actor
				sm.ReplacedAt = &replAt
				s.soldByID[sm.ID] = sm

				newSold := domain.SoldMeter{
					ID:          xid.New("sm"),
					Serial:      repl.Serial,
					Type:        repl.Type,
					SaleBatchID: sm.SaleBatchID,
					Status:      domain.SoldStatusActive,
					SoldAt:      at,
				}
				s.soldByID[newSold.ID] = newSold
				s.soldIDBySerial[newSold.Serial] = newSold.ID
			} else {
				sm.Status = domain.SoldStatusFaulty
				s.soldByID[sm.ID] = sm
			}

		default:
			return store.ErrValidation
		}
	}
	return nil
}

func (s *Store) ListFaultyReturns(_ context.Context, status string, limit int) ([]domain.FaultyReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FaultyReturn, 0, len(s.faultyByID))
	for _, fr := range s.faultyByID {
		if status != "" && fr.Status != status {
			continue
		}
		result = append(result, fr)
	}
	slices.SortFunc(result, func(a, b domain.FaultyReturn) int {
		if a.ReturnedAt.Equal(b.ReturnedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ReturnedAt.After(b.ReturnedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetFaultyReturnByID(_ context.Context, id string) (*domain.FaultyReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fr, ok := s.faultyByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyFR := fr
	return &copyFR, nil
}

// UpdateFaultyReturnStatus moves a pending fault to repaired or unrepairable.
// Repaired meters go back into central stock and the fault row is removed;
// unrepairable is terminal.
func (s *Store) UpdateFaultyReturnStatus(_ context.Context, id string, newStatus string, actor string, at time.Time) (*domain.FaultyReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fr, ok := s.faultyByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if fr.Status != domain.FaultStatusPending {
		return nil, fmt.Errorf("%w: fault %s is %s, not pending", store.ErrConflict, id, fr.Status)
	}

	switch newStatus {
	case domain.FaultStatusRepaired:
		if s.serialLocationLocked(fr.Serial).Anywhere() {
			return nil, &store.DuplicateSerialError{Serials: []string{fr.Serial}}
		}
		unit := domain.MeterUnit{
			ID:      xid.New("mtr"),
			Serial:  fr.Serial,
			Type:    fr.Type,
			AddedBy: actor,
			AddedAt: at,
		}
		s.stockByID[unit.ID] = unit
		s.stockIDBySerial[unit.Serial] = unit.ID
		delete(s.faultyByID, id)
		fr.Status = domain.FaultStatusRepaired
	case domain.FaultStatusUnrepairable:
		fr.Status = domain.FaultStatusUnrepairable
		s.faultyByID[id] = fr
	default:
		return nil, store.ErrValidation
	}

	updated := fr
	return &updated, nil
}

func (s *Store) CreateNotification(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = xid.New("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notificationsByID[n.ID] = n
	s.notificationReads[n.ID] = make(map[string]struct{})
	return nil
}

func (s *Store) ListNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Notification, 0, len(s.notificationsByID))
	for id, n := range s.notificationsByID {
		readers := s.notificationReads[id]
		n.ReadBy = make([]string, 0, len(readers))
		for username := range readers {
			n.ReadBy = append(n.ReadBy, username)
		}
		slices.Sort(n.ReadBy)
		result = append(result, n)
	}
	slices.SortFunc(result, func(a, b domain.Notification) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, notificationID string, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notificationsByID[notificationID]; !ok {
		return store.ErrNotFound
	}
	readers := s.notificationReads[notificationID]
	if readers == nil {
		readers = make(map[string]struct{})
		s.notificationReads[notificationID] = readers
	}
	readers[username] = struct{}{}
	return nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.notificationsByID {
		readers := s.notificationReads[id]
		if readers == nil {
			readers = make(map[string]struct{})
			s.notificationReads[id] = readers
		}
		readers[username] = struct{}{}
	}
	return nil
}

func (s *Store) GetDashboardReport(_ context.Context, from time.Time, to time.Time) (domain.DashboardReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DashboardReport{
		InStock:    len(s.stockByID),
		WithAgents: len(s.agentMetersByID),
	}

	byType := map[string]int{}
	for _, m := range s.stockByID {
		byType[m.Type]++
	}
	for t, count := range byType {
		report.StockByType = append(report.StockByType, domain.TypeCount{Type: t, Count: count})
	}
	slices.SortFunc(report.StockByType, func(a, b domain.TypeCount) int {
		return cmpString(a.Type, b.Type)
	})

	for _, sm := range s.soldByID {
		if sm.Status == domain.SoldStatusActive {
			report.SoldActive++
		}
	}
	for _, fr := range s.faultyByID {
		if fr.Status == domain.FaultStatusPending {
			report.FaultyPending++
		}
	}

	holdings := map[string]int{}
	for _, am := range s.agentMetersByID {
		holdings[am.AgentID]++
	}
	for agentID, count := range holdings {
		holding := domain.AgentHolding{AgentID: agentID, Count: count}
		if agent, ok := s.agentsByID[agentID]; ok {
			holding.AgentName = agent.Name
		}
		report.AgentHoldings = append(report.AgentHoldings, holding)
	}
	slices.SortFunc(report.AgentHoldings, func(a, b domain.AgentHolding) int {
		return cmpString(a.AgentName, b.AgentName)
	})

	remaining := map[string]int{}
	for _, m := range s.stockByID {
		if m.PurchaseBatchID != "" {
			remaining[m.PurchaseBatchID]++
		}
	}
	for _, pb := range s.purchaseBatches {
		report.PurchaseBatches = append(report.PurchaseBatches, domain.BatchRemaining{
			BatchID:   pb.ID,
			Type:      pb.Type,
			Quantity:  pb.Quantity,
			Remaining: remaining[pb.ID],
		})
	}
	slices.SortFunc(report.PurchaseBatches, func(a, b domain.BatchRemaining) int {
		return cmpString(a.BatchID, b.BatchID)
	})

	for _, tx := range s.transactionsByID {
		if !from.IsZero() && tx.SaleDate.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.SaleDate.Before(to) {
			continue
		}
		report.Sales.Transactions++
		report.Sales.TotalCents += tx.TotalCents
		for _, b := range s.batchesByID {
			if b.TransactionID == tx.ID {
				report.Sales.Batches++
				report.Sales.MetersSold += b.Quantity
			}
		}
	}

	return report, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s taken", store.ErrConflict, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "clerk"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) SetUserActive(_ context.Context, username string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Active = active
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
