package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"stimatrack/backend/internal/cache"
	"stimatrack/backend/internal/domain"
	"stimatrack/backend/internal/serial"
	"stimatrack/backend/internal/store"
	"stimatrack/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	lookups  cache.SerialLookupCache
	cacheTTL time.Duration
}

func New(repo store.Repository, lookups cache.SerialLookupCache, cacheTTL time.Duration) *Service {
	if lookups == nil {
		lookups = cache.NoopSerialLookupCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:     repo,
		lookups:  lookups,
		cacheTTL: cacheTTL,
	}
}

// requireActiveActor resolves the caller from the context and rejects
// deactivated accounts before any write happens.
func (s *Service) requireActiveActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("authentication required")
	}
	user, err := s.repo.GetUserByUsername(ctx, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, store.ErrAccountInactive
		}
		return domain.Actor{}, err
	}
	if !user.Active {
		return domain.Actor{}, store.ErrAccountInactive
	}
	return actor, nil
}

func (s *Service) requireActiveAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != "admin" {
		return domain.Actor{}, fmt.Errorf("admin role required")
	}
	return actor, nil
}

// notify records an activity feed entry. Feed writes never fail the parent
// operation.
func (s *Service) notify(ctx context.Context, kind string, message string) {
	err := s.repo.CreateNotification(ctx, domain.Notification{
		ID:      xid.New("ntf"),
		Kind:    kind,
		Message: message,
	})
	if err != nil {
		log.Printf("[service] WARN: failed to record notification kind=%s: %v", kind, err)
	}
}

func (s *Service) invalidateSerials(ctx context.Context, serials []string) {
	if err := s.lookups.Invalidate(ctx, serials); err != nil {
		log.Printf("[service] WARN: failed to invalidate serial cache: %v", err)
	}
}

func (s *Service) AddStockMeters(ctx context.Context, req domain.AddStockRequest) ([]domain.MeterUnit, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return nil, err
	}

	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if !domain.IsValidMeterType(req.Type) {
		return nil, fmt.Errorf("%w: unknown meter type %q", store.ErrValidation, req.Type)
	}
	if len(req.Serials) == 0 {
		return nil, fmt.Errorf("%w: no serials given", store.ErrValidation)
	}
	if dups := serial.FindDuplicates(req.Serials); len(dups) > 0 {
		return nil, &store.DuplicateSerialError{Serials: dups}
	}

	now := time.Now().UTC()
	meters := make([]domain.MeterUnit, 0, len(req.Serials))
	for _, raw := range req.Serials {
		normalized := serial.Normalize(raw)
		if normalized == "" {
			return nil, fmt.Errorf("%w: empty serial", store.ErrValidation)
		}
		meters = append(meters, domain.MeterUnit{
			ID:      xid.New("mtr"),
			Serial:  normalized,
			Type:    req.Type,
			AddedBy: actor.Username,
			AddedAt: now,
		})
	}

	if err := s.repo.AddStockMeters(ctx, meters); err != nil {
		return nil, err
	}
	s.invalidateSerials(ctx, serialsOf(meters))
	return meters, nil
}

func (s *Service) CreatePurchaseBatch(ctx context.Context, req domain.PurchaseBatchCreateRequest) (domain.PurchaseBatch, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.PurchaseBatch{}, err
	}

	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if !domain.IsValidMeterType(req.Type) {
		return domain.PurchaseBatch{}, fmt.Errorf("%w: unknown meter type %q", store.ErrValidation, req.Type)
	}
	if len(req.Serials) == 0 {
		return domain.PurchaseBatch{}, fmt.Errorf("%w: no serials given", store.ErrValidation)
	}
	if req.UnitCostCents < 0 {
		return domain.PurchaseBatch{}, fmt.Errorf("%w: negative unit cost", store.ErrValidation)
	}
	if dups := serial.FindDuplicates(req.Serials); len(dups) > 0 {
		return domain.PurchaseBatch{}, &store.DuplicateSerialError{Serials: dups}
	}

	purchasedAt := time.Now().UTC()
	if req.PurchaseDate != "" {
		parsed, err := time.Parse("2006-01-02", req.PurchaseDate)
		if err != nil {
			return domain.PurchaseBatch{}, fmt.Errorf("%w: bad purchase_date %q", store.ErrValidation, req.PurchaseDate)
		}
		purchasedAt = parsed
	}

	meters := make([]domain.MeterUnit, 0, len(req.Serials))
	for _, raw := range req.Serials {
		normalized := serial.Normalize(raw)
		if normalized == "" {
			return domain.PurchaseBatch{}, fmt.Errorf("%w: empty serial", store.ErrValidation)
		}
		meters = append(meters, domain.MeterUnit{
			ID:      xid.New("mtr"),
			Serial:  normalized,
			Type:    req.Type,
			AddedBy: actor.Username,
			AddedAt: purchasedAt,
		})
	}

	batch := domain.PurchaseBatch{
		ID:            xid.New("pb"),
		Type:          req.Type,
		Quantity:      len(meters),
		UnitCostCents: req.UnitCostCents,
		PurchasedAt:   purchasedAt,
		AddedBy:       actor.Username,
	}

	created, err := s.repo.CreatePurchaseBatch(ctx, batch, meters)
	if err != nil {
		return domain.PurchaseBatch{}, err
	}
	s.invalidateSerials(ctx, serialsOf(meters))
	return *created, nil
}

func (s *Service) ListStockMeters(ctx context.Context, meterType string, limit int) ([]domain.MeterUnit, error) {
	meterType = strings.ToLower(strings.TrimSpace(meterType))
	if meterType != "" && !domain.IsValidMeterType(meterType) {
		return nil, fmt.Errorf("%w: unknown meter type %q", store.ErrValidation, meterType)
	}
	if limit < 1 {
		limit = 500
	}
	return s.repo.ListStockMeters(ctx, meterType, limit)
}

func (s *Service) ListPurchaseBatches(ctx context.Context, limit int) ([]domain.PurchaseBatch, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListPurchaseBatches(ctx, limit)
}

// CheckMeterExistsAnywhere answers "where is this serial" with one store
// round trip, fronted by the TTL cache. The message picks one location with
// priority sold, then agent, then stock.
func (s *Service) CheckMeterExistsAnywhere(ctx context.Context, rawSerial string) (domain.SerialLocation, string, error) {
	normalized := serial.Normalize(rawSerial)
	if normalized == "" {
		return domain.SerialLocation{}, "", fmt.Errorf("%w: empty serial", store.ErrValidation)
	}

	if cached, hit, err := s.lookups.Get(ctx, normalized); err != nil {
		log.Printf("[service] WARN: serial cache read failed: %v", err)
	} else if hit {
		return *cached, locationMessage(normalized, *cached), nil
	}

	locations, err := s.repo.CheckSerials(ctx, []string{normalized})
	if err != nil {
		return domain.SerialLocation{}, "", err
	}
	loc := locations[normalized]

	if err := s.lookups.Set(ctx, normalized, &loc, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: serial cache write failed: %v", err)
	}
	return loc, locationMessage(normalized, loc), nil
}

func locationMessage(serial string, loc domain.SerialLocation) string {
	switch {
	case loc.ExistsInSold:
		return fmt.Sprintf("meter %s is recorded as sold", serial)
	case loc.ExistsInAgent:
		return fmt.Sprintf("meter %s is held by an agent", serial)
	case loc.ExistsInStock:
		return fmt.Sprintf("meter %s is in central stock", serial)
	default:
		return fmt.Sprintf("meter %s is not in the system", serial)
	}
}

func (s *Service) CreateAgent(ctx context.Context, req domain.AgentCreateRequest) (domain.Agent, error) {
	if _, err := s.requireActiveActor(ctx); err != nil {
		return domain.Agent{}, err
	}

	agent := domain.Agent{
		ID:       xid.New("agt"),
		Name:     strings.TrimSpace(req.Name),
		Phone:    strings.TrimSpace(req.Phone),
		Location: strings.TrimSpace(req.Location),
		County:   strings.TrimSpace(req.County),
		Active:   true,
	}
	if agent.Name == "" || agent.Phone == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent name and phone are required", store.ErrValidation)
	}

	created, err := s.repo.CreateAgent(ctx, agent)
	if err != nil {
		return domain.Agent{}, err
	}
	return *created, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	agent, err := s.repo.GetAgentByID(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return *agent, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return s.repo.ListAgents(ctx)
}

func (s *Service) UpdateAgent(ctx context.Context, agentID string, req domain.AgentUpdateRequest) (domain.Agent, error) {
	if _, err := s.requireActiveActor(ctx); err != nil {
		return domain.Agent{}, err
	}

	existing, err := s.repo.GetAgentByID(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Agent{}, fmt.Errorf("%w: empty agent name", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if phone == "" {
			return domain.Agent{}, fmt.Errorf("%w: empty agent phone", store.ErrValidation)
		}
		updated.Phone = phone
	}
	if req.Location != nil {
		updated.Location = strings.TrimSpace(*req.Location)
	}
	if req.County != nil {
		updated.County = strings.TrimSpace(*req.County)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateAgent(ctx, updated)
	if err != nil {
		return domain.Agent{}, err
	}
	return *saved, nil
}

// DeleteAgent restores everything the agent still holds to central stock and
// then removes the agent.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) (domain.AgentDeleteResult, error) {
	actor, err := s.requireActiveAdmin(ctx)
	if err != nil {
		return domain.AgentDeleteResult{}, err
	}

	held, err := s.repo.ListAgentMeters(ctx, agentID)
	if err != nil {
		return domain.AgentDeleteResult{}, err
	}

	restocked, err := s.repo.DeleteAgentWithRestock(ctx, agentID, actor.Username)
	if err != nil {
		return domain.AgentDeleteResult{}, err
	}

	serials := make([]string, 0, len(held))
	for _, am := range held {
		serials = append(serials, am.Serial)
	}
	s.invalidateSerials(ctx, serials)

	return domain.AgentDeleteResult{AgentID: agentID, RestockedCount: restocked}, nil
}

func (s *Service) ListAgentMeters(ctx context.Context, agentID string) ([]domain.AgentMeter, error) {
	if _, err := s.repo.GetAgentByID(ctx, agentID); err != nil {
		return nil, err
	}
	return s.repo.ListAgentMeters(ctx, agentID)
}

func (s *Service) ListAgentLedger(ctx context.Context, agentID string, limit int) ([]domain.AgentLedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListAgentLedger(ctx, agentID, limit)
}

func (s *Service) AssignMetersToAgent(ctx context.Context, agentID string, req domain.AssignMetersRequest) ([]domain.AgentMeter, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Units) == 0 {
		return nil, fmt.Errorf("%w: no meters given", store.ErrValidation)
	}

	meterIDs := make([]string, 0, len(req.Units))
	qtyByType := make(map[string]int)
	seenIDs := make(map[string]bool, len(req.Units))
	for _, unit := range req.Units {
		if unit.MeterID == "" {
			return nil, fmt.Errorf("%w: missing meter id", store.ErrValidation)
		}
		if seenIDs[unit.MeterID] {
			return nil, fmt.Errorf("%w: meter id %s listed more than once", store.ErrValidation, unit.MeterID)
		}
		seenIDs[unit.MeterID] = true
		meterIDs = append(meterIDs, unit.MeterID)
		qtyByType[strings.ToLower(strings.TrimSpace(unit.Type))]++
	}

	now := time.Now().UTC()
	ledger := make([]domain.AgentLedgerEntry, 0, len(qtyByType))
	for _, meterType := range sortedKeys(qtyByType) {
		ledger = append(ledger, domain.AgentLedgerEntry{
			ID:        xid.New("led"),
			AgentID:   agentID,
			Type:      meterType,
			Quantity:  qtyByType[meterType],
			Direction: domain.LedgerDirectionAssign,
			Actor:     actor.Username,
			CreatedAt: now,
		})
	}

	assigned, err := s.repo.AssignMetersToAgent(ctx, agentID, meterIDs, actor.Username, ledger)
	if err != nil {
		return nil, err
	}

	serials := make([]string, 0, len(assigned))
	for _, am := range assigned {
		serials = append(serials, am.Serial)
	}
	s.invalidateSerials(ctx, serials)
	s.notify(ctx, "assignment", fmt.Sprintf("%s assigned %d meter(s) to agent %s", actor.Username, len(assigned), agentID))

	return assigned, nil
}

func (s *Service) ReturnMetersFromAgent(ctx context.Context, agentID string, req domain.ReturnMetersRequest) error {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return err
	}
	if len(req.Units) == 0 {
		return fmt.Errorf("%w: no meters given", store.ErrValidation)
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(req.Units))
	ledger := make([]domain.AgentLedgerEntry, 0, len(req.Units))
	serials := make([]string, 0, len(req.Units))
	seenIDs := make(map[string]bool, len(req.Units))
	for _, unit := range req.Units {
		if unit.MeterID == "" {
			return fmt.Errorf("%w: missing meter id", store.ErrValidation)
		}
		if seenIDs[unit.MeterID] {
			return fmt.Errorf("%w: meter id %s listed more than once", store.ErrValidation, unit.MeterID)
		}
		seenIDs[unit.MeterID] = true
		ids = append(ids, unit.MeterID)
		serials = append(serials, serial.Normalize(unit.Serial))
		ledger = append(ledger, domain.AgentLedgerEntry{
			ID:        xid.New("led"),
			AgentID:   agentID,
			Type:      strings.ToLower(strings.TrimSpace(unit.Type)),
			Quantity:  1,
			Direction: domain.LedgerDirectionReturn,
			Actor:     actor.Username,
			CreatedAt: now,
		})
	}

	if err := s.repo.ReturnMetersFromAgent(ctx, agentID, ids, actor.Username, ledger); err != nil {
		return err
	}
	s.invalidateSerials(ctx, serials)
	s.notify(ctx, "agent_return", fmt.Sprintf("%s returned %d meter(s) from agent %s to stock", actor.Username, len(ids), agentID))
	return nil
}

// SellMeters runs the settlement: fail-fast preconditions first, then one
// atomic store call that moves every unit and records the transaction.
func (s *Service) SellMeters(ctx context.Context, req domain.SellMetersRequest) (domain.SellMetersResponse, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.SellMetersResponse{}, err
	}

	if len(req.Units) == 0 {
		return domain.SellMetersResponse{}, fmt.Errorf("%w: no meters given", store.ErrValidation)
	}
	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	if req.Source == "" {
		req.Source = domain.SaleSourceStock
	}
	if req.Source != domain.SaleSourceStock && req.Source != domain.SaleSourceAgent {
		return domain.SellMetersResponse{}, fmt.Errorf("%w: unknown sale source %q", store.ErrValidation, req.Source)
	}
	if req.Source == domain.SaleSourceAgent && req.AgentID == "" {
		return domain.SellMetersResponse{}, fmt.Errorf("%w: agent_id required for agent sales", store.ErrValidation)
	}
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Recipient == "" || req.Destination == "" {
		return domain.SellMetersResponse{}, fmt.Errorf("%w: destination and recipient are required", store.ErrValidation)
	}

	rawSerials := make([]string, 0, len(req.Units))
	for _, unit := range req.Units {
		rawSerials = append(rawSerials, unit.Serial)
	}
	if dups := serial.FindDuplicates(rawSerials); len(dups) > 0 {
		return domain.SellMetersResponse{}, &store.DuplicateSerialError{Serials: dups}
	}

	// Every distinct type in the sale needs its own positive unit price, and
	// every unit must name a distinct source row.
	units := make([]domain.SaleUnit, 0, len(req.Units))
	qtyByType := make(map[string]int)
	seenIDs := make(map[string]bool, len(req.Units))
	for _, unit := range req.Units {
		normalized := serial.Normalize(unit.Serial)
		meterType := strings.ToLower(strings.TrimSpace(unit.Type))
		if normalized == "" || unit.ID == "" {
			return domain.SellMetersResponse{}, fmt.Errorf("%w: every unit needs an id and a serial", store.ErrValidation)
		}
		if seenIDs[unit.ID] {
			return domain.SellMetersResponse{}, fmt.Errorf("%w: meter id %s listed more than once", store.ErrValidation, unit.ID)
		}
		seenIDs[unit.ID] = true
		if !domain.IsValidMeterType(meterType) {
			return domain.SellMetersResponse{}, fmt.Errorf("%w: unknown meter type %q", store.ErrValidation, unit.Type)
		}
		units = append(units, domain.SaleUnit{ID: unit.ID, Serial: normalized, Type: meterType})
		qtyByType[meterType]++
	}
	for meterType := range qtyByType {
		if req.UnitPricesByType[meterType] <= 0 {
			return domain.SellMetersResponse{}, fmt.Errorf("%w: missing unit price for type %s", store.ErrValidation, meterType)
		}
	}

	// One round trip answers both precondition questions: present in the
	// expected source, and not already sold. The store re-checks under its
	// transaction; this pass exists to reject with full serial lists.
	serials := make([]string, 0, len(units))
	for _, unit := range units {
		serials = append(serials, unit.Serial)
	}
	locations, err := s.repo.CheckSerials(ctx, serials)
	if err != nil {
		return domain.SellMetersResponse{}, err
	}
	var missing, alreadySold []string
	for _, unit := range units {
		loc := locations[unit.Serial]
		if loc.ExistsInSold {
			alreadySold = append(alreadySold, unit.Serial)
			continue
		}
		switch req.Source {
		case domain.SaleSourceStock:
			if !loc.ExistsInStock {
				missing = append(missing, unit.Serial)
			}
		case domain.SaleSourceAgent:
			if !loc.ExistsInAgent {
				missing = append(missing, unit.Serial)
			}
		}
	}
	if len(alreadySold) > 0 {
		return domain.SellMetersResponse{}, &store.AlreadySoldError{Serials: alreadySold}
	}
	if len(missing) > 0 {
		return domain.SellMetersResponse{}, &store.MissingMetersError{Source: req.Source, Serials: missing}
	}

	saleDate := time.Now().UTC()
	if req.SaleDate != "" {
		parsed, err := time.Parse("2006-01-02", req.SaleDate)
		if err != nil {
			return domain.SellMetersResponse{}, fmt.Errorf("%w: bad sale_date %q", store.ErrValidation, req.SaleDate)
		}
		saleDate = parsed
	}

	var total int64
	batches := make([]domain.SaleBatch, 0, len(qtyByType))
	for _, meterType := range sortedKeys(qtyByType) {
		qty := qtyByType[meterType]
		price := req.UnitPricesByType[meterType]
		batchTotal := int64(qty) * price
		total += batchTotal
		batches = append(batches, domain.SaleBatch{
			ID:             xid.New("sb"),
			Type:           meterType,
			Quantity:       qty,
			UnitPriceCents: price,
			TotalCents:     batchTotal,
			Note:           strings.TrimSpace(req.Note),
		})
	}

	sourceIDs := make([]string, 0, len(units))
	sold := make([]domain.SoldMeter, 0, len(units))
	for _, unit := range units {
		sourceIDs = append(sourceIDs, unit.ID)
		sold = append(sold, domain.SoldMeter{
			ID:     xid.New("sm"),
			Serial: unit.Serial,
			Type:   unit.Type,
			Status: domain.SoldStatusActive,
			SoldAt: saleDate,
		})
	}

	record := store.SaleRecord{
		Transaction: domain.SalesTransaction{
			ID:              xid.New("tx"),
			Destination:     req.Destination,
			Recipient:       req.Recipient,
			CustomerType:    strings.TrimSpace(req.CustomerType),
			CustomerCounty:  strings.TrimSpace(req.CustomerCounty),
			CustomerContact: strings.TrimSpace(req.CustomerContact),
			TotalCents:      total,
			SoldBy:          actor.Username,
			SaleDate:        saleDate,
		},
		Batches:   batches,
		Sold:      sold,
		Source:    req.Source,
		AgentID:   req.AgentID,
		SourceIDs: sourceIDs,
	}

	created, err := s.repo.CreateSale(ctx, record)
	if err != nil {
		return domain.SellMetersResponse{}, err
	}

	s.invalidateSerials(ctx, serials)
	s.notify(ctx, "sale", fmt.Sprintf("%s sold %d meter(s) under %s to %s", actor.Username, len(units), created.Reference, req.Recipient))

	resp := domain.SellMetersResponse{
		TransactionID: created.ID,
		Reference:     created.Reference,
		TotalCents:    created.TotalCents,
	}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, domain.SaleBatchSummary{
			BatchID:        b.ID,
			Type:           b.Type,
			Quantity:       b.Quantity,
			UnitPriceCents: b.UnitPriceCents,
			TotalCents:     b.TotalCents,
		})
	}
	return resp, nil
}

func (s *Service) ListSalesTransactions(ctx context.Context, from string, to string, limit int) ([]domain.SalesTransactionDetail, error) {
	fromTime, toTime, err := parseDateRange(from, to)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSalesTransactions(ctx, fromTime, toTime, limit)
}

func (s *Service) ListSoldMeters(ctx context.Context, status string, limit int) ([]domain.SoldMeter, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.SoldStatusActive, domain.SoldStatusFaulty, domain.SoldStatusReplaced:
	default:
		return nil, fmt.Errorf("%w: unknown sold status %q", store.ErrValidation, status)
	}
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListSoldMeters(ctx, status, limit)
}

// ReturnSoldMeters takes sold meters back. Healthy units re-enter stock;
// faulty units open a pending fault record, optionally consuming a
// replacement from stock.
func (s *Service) ReturnSoldMeters(ctx context.Context, req domain.ReturnSoldMetersRequest) error {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return err
	}
	if len(req.Units) == 0 {
		return fmt.Errorf("%w: no meters given", store.ErrValidation)
	}

	replacementByOriginal := make(map[string]domain.ReplacementUnit, len(req.Replacements))
	for _, repl := range req.Replacements {
		if repl.OriginalID == "" || serial.Normalize(repl.NewSerial) == "" {
			return fmt.Errorf("%w: replacement needs original_id and new_serial", store.ErrValidation)
		}
		replacementByOriginal[repl.OriginalID] = repl
	}

	returns := make([]store.SoldReturn, 0, len(req.Units))
	affected := make([]string, 0, len(req.Units)+len(req.Replacements))
	seenIDs := make(map[string]bool, len(req.Units))
	for _, unit := range req.Units {
		condition := strings.ToLower(strings.TrimSpace(unit.Condition))
		normalized := serial.Normalize(unit.Serial)
		if unit.ID == "" || normalized == "" {
			return fmt.Errorf("%w: every unit needs an id and a serial", store.ErrValidation)
		}
		if seenIDs[unit.ID] {
			return fmt.Errorf("%w: sold meter id %s listed more than once", store.ErrValidation, unit.ID)
		}
		seenIDs[unit.ID] = true

		ret := store.SoldReturn{
			SoldID:    unit.ID,
			Serial:    normalized,
			Type:      strings.ToLower(strings.TrimSpace(unit.Type)),
			Condition: condition,
		}
		switch condition {
		case domain.ReturnConditionHealthy:
			if _, hasRepl := replacementByOriginal[unit.ID]; hasRepl {
				return fmt.Errorf("%w: healthy return cannot carry a replacement", store.ErrValidation)
			}
		case domain.ReturnConditionFaulty:
			ret.FaultDescription = strings.TrimSpace(unit.FaultDescription)
			if ret.FaultDescription == "" {
				return fmt.Errorf("%w: fault description required for serial %s", store.ErrValidation, normalized)
			}
			if repl, ok := replacementByOriginal[unit.ID]; ok {
				ret.Replacement = &domain.MeterUnit{
					Serial: serial.Normalize(repl.NewSerial),
					Type:   strings.ToLower(strings.TrimSpace(repl.NewType)),
				}
				affected = append(affected, ret.Replacement.Serial)
				delete(replacementByOriginal, unit.ID)
			}
		default:
			return fmt.Errorf("%w: unknown return condition %q", store.ErrValidation, unit.Condition)
		}
		returns = append(returns, ret)
		affected = append(affected, normalized)
	}
	if len(replacementByOriginal) > 0 {
		return fmt.Errorf("%w: replacement references unknown original unit", store.ErrValidation)
	}

	if err := s.repo.ReturnSoldMeters(ctx, returns, actor.Username, time.Now().UTC()); err != nil {
		return err
	}
	s.invalidateSerials(ctx, affected)
	s.notify(ctx, "sold_return", fmt.Sprintf("%s processed %d sold meter return(s)", actor.Username, len(returns)))
	return nil
}

func (s *Service) ListFaultyReturns(ctx context.Context, status string, limit int) ([]domain.FaultyReturn, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.FaultStatusPending, domain.FaultStatusRepaired, domain.FaultStatusUnrepairable:
	default:
		return nil, fmt.Errorf("%w: unknown fault status %q", store.ErrValidation, status)
	}
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListFaultyReturns(ctx, status, limit)
}

// UpdateFaultyMeterStatus resolves a pending fault. Repaired meters re-enter
// central stock; unrepairable is terminal.
func (s *Service) UpdateFaultyMeterStatus(ctx context.Context, id string, newStatus string) (string, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return "", err
	}

	newStatus = strings.ToLower(strings.TrimSpace(newStatus))
	if newStatus != domain.FaultStatusRepaired && newStatus != domain.FaultStatusUnrepairable {
		return "", fmt.Errorf("%w: status must be repaired or unrepairable", store.ErrValidation)
	}

	updated, err := s.repo.UpdateFaultyReturnStatus(ctx, id, newStatus, actor.Username, time.Now().UTC())
	if err != nil {
		return "", err
	}
	s.invalidateSerials(ctx, []string{updated.Serial})

	if newStatus == domain.FaultStatusRepaired {
		return fmt.Sprintf("meter %s repaired and returned to stock", updated.Serial), nil
	}
	return fmt.Sprintf("meter %s marked unrepairable", updated.Serial), nil
}

func (s *Service) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if limit < 1 {
		limit = 50
	}

	items, err := s.repo.ListNotifications(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Read = false
		for _, username := range items[i].ReadBy {
			if username == actor.Username {
				items[i].Read = true
				break
			}
		}
	}
	return items, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, notificationID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	return s.repo.MarkNotificationRead(ctx, notificationID, actor.Username)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	return s.repo.MarkAllNotificationsRead(ctx, actor.Username)
}

func (s *Service) GetDashboardReport(ctx context.Context, from string, to string) (domain.DashboardReport, error) {
	fromTime, toTime, err := parseDateRange(from, to)
	if err != nil {
		return domain.DashboardReport{}, err
	}

	report, err := s.repo.GetDashboardReport(ctx, fromTime, toTime)
	if err != nil {
		return domain.DashboardReport{}, err
	}
	report.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	return report, nil
}

func parseDateRange(from string, to string) (time.Time, time.Time, error) {
	var fromTime, toTime time.Time
	if from != "" {
		parsed, err := time.Parse("2006-01-02", from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: bad from date %q", store.ErrValidation, from)
		}
		fromTime = parsed
	}
	if to != "" {
		parsed, err := time.Parse("2006-01-02", to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: bad to date %q", store.ErrValidation, to)
		}
		toTime = parsed.Add(24 * time.Hour)
	}
	return fromTime, toTime, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func serialsOf(meters []domain.MeterUnit) []string {
	serials := make([]string, 0, len(meters))
	for _, m := range meters {
		serials = append(serials, m.Serial)
	}
	return serials
}
