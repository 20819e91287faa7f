package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stimatrack/backend/internal/domain"
	"stimatrack/backend/internal/store"
	"stimatrack/backend/internal/xid"
)

// referenceRetries bounds how often CreateSale re-runs its transaction after
// losing a reference-number race to a concurrent sale.
const referenceRetries = 5

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// checkSerials answers the three-location question with a single round trip.
// It runs against either the pool or an open transaction so transitions can
// re-check the invariant under their own isolation level.
func checkSerials(ctx context.Context, q querier, serials []string) (map[string]domain.SerialLocation, error) {
	result := make(map[string]domain.SerialLocation, len(serials))
	for _, serial := range serials {
		result[serial] = domain.SerialLocation{}
	}
	if len(serials) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT serial, 'stock' AS location FROM meters WHERE serial = ANY($1)
		UNION ALL
		SELECT serial, 'agent' FROM agent_meters WHERE serial = ANY($1)
		UNION ALL
		SELECT serial, 'sold' FROM sold_meters WHERE status = 'active' AND serial = ANY($1)
	`, serials)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var serial, location string
		if err := rows.Scan(&serial, &location); err != nil {
			return nil, err
		}
		loc := result[serial]
		switch location {
		case "stock":
			loc.ExistsInStock = true
		case "agent":
			loc.ExistsInAgent = true
		case "sold":
			loc.ExistsInSold = true
		}
		result[serial] = loc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CheckSerials(ctx context.Context, serials []string) (map[string]domain.SerialLocation, error) {
	return checkSerials(ctx, s.db, serials)
}

func (s *Store) AddStockMeters(ctx context.Context, meters []domain.MeterUnit) error {
	if len(meters) == 0 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	serials := make([]string, 0, len(meters))
	for _, m := range meters {
		serials = append(serials, m.Serial)
	}
	locations, err := checkSerials(ctx, tx, serials)
	if err != nil {
		return err
	}
	var dups []string
	for _, serial := range serials {
		if locations[serial].Anywhere() {
			dups = append(dups, serial)
		}
	}
	if len(dups) > 0 {
		return &store.DuplicateSerialError{Serials: dups}
	}

	for _, m := range meters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meters (id, serial, type, added_by, added_at, purchase_batch_id)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, m.ID, m.Serial, m.Type, m.AddedBy, m.AddedAt, nullIfEmpty(m.PurchaseBatchID))
		if err != nil {
			if isUniqueViolation(err) {
				return &store.DuplicateSerialError{Serials: []string{m.Serial}}
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListStockMeters(ctx context.Context, meterType string, limit int) ([]domain.MeterUnit, error) {
	if limit < 1 {
		limit = 500
	}

	query := `
		SELECT id, serial, type, added_by, added_at, COALESCE(purchase_batch_id, '')
		FROM meters
	`
	args := []any{}
	if meterType != "" {
		query += ` WHERE type = $1 ORDER BY added_at DESC, serial LIMIT $2`
		args = append(args, meterType, limit)
	} else {
		query += ` ORDER BY added_at DESC, serial LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meters := make([]domain.MeterUnit, 0, limit)
	for rows.Next() {
		var m domain.MeterUnit
		if err := rows.Scan(&m.ID, &m.Serial, &m.Type, &m.AddedBy, &m.AddedAt, &m.PurchaseBatchID); err != nil {
			return nil, err
		}
		m.AddedAt = m.AddedAt.UTC()
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters, nil
}

func (s *Store) CreatePurchaseBatch(ctx context.Context, batch domain.PurchaseBatch, meters []domain.MeterUnit) (*domain.PurchaseBatch, error) {
	if len(meters) == 0 {
		return nil, store.ErrValidation
	}
	if batch.ID == "" {
		batch.ID = xid.New("pb")
	}
	batch.Quantity = len(meters)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	serials := make([]string, 0, len(meters))
	for _, m := range meters {
		serials = append(serials, m.Serial)
	}
	locations, err := checkSerials(ctx, tx, serials)
	if err != nil {
		return nil, err
	}
	var dups []string
	for _, serial := range serials {
		if locations[serial].Anywhere() {
			dups = append(dups, serial)
		}
	}
	if len(dups) > 0 {
		return nil, &store.DuplicateSerialError{Serials: dups}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_batches (id, type, quantity, unit_cost_cents, purchased_at, added_by)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, batch.ID, batch.Type, batch.Quantity, batch.UnitCostCents, batch.PurchasedAt, batch.AddedBy)
	if err != nil {
		return nil, err
	}

	for _, m := range meters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meters (id, serial, type, added_by, added_at, purchase_batch_id)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, m.ID, m.Serial, m.Type, m.AddedBy, m.AddedAt, batch.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &store.DuplicateSerialError{Serials: []string{m.Serial}}
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) ListPurchaseBatches(ctx context.Context, limit int) ([]domain.PurchaseBatch, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, quantity, unit_cost_cents, purchased_at, added_by
		FROM purchase_batches
		ORDER BY purchased_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.PurchaseBatch, 0, limit)
	for rows.Next() {
		var b domain.PurchaseBatch
		if err := rows.Scan(&b.ID, &b.Type, &b.Quantity, &b.UnitCostCents, &b.PurchasedAt, &b.AddedBy); err != nil {
			return nil, err
		}
		b.PurchasedAt = b.PurchasedAt.UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	if agent.Name == "" || agent.Phone == "" {
		return nil, store.ErrValidation
	}
	if agent.ID == "" {
		agent.ID = xid.New("agt")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	agent.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, phone, location, county, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, agent.ID, agent.Name, agent.Phone, agent.Location, agent.County, agent.Active, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: phone %s already registered", store.ErrConflict, agent.Phone)
		}
		return nil, err
	}

	created := agent
	return &created, nil
}

func (s *Store) GetAgentByID(ctx context.Context, agentID string) (*domain.Agent, error) {
	var agent domain.Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, location, county, active, created_at
		FROM agents
		WHERE id = $1
	`, agentID).Scan(&agent.ID, &agent.Name, &agent.Phone, &agent.Location, &agent.County, &agent.Active, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, location, county, active, created_at
		FROM agents
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]domain.Agent, 0, 64)
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.Location, &a.County, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $2, phone = $3, location = $4, county = $5, active = $6
		WHERE id = $1
	`, agent.ID, agent.Name, agent.Phone, agent.Location, agent.County, agent.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: phone %s already registered", store.ErrConflict, agent.Phone)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := agent
	return &updated, nil
}

// DeleteAgentWithRestock moves every meter the agent holds back to central
// stock, then removes the ledger and the agent, all in one transaction.
func (s *Store) DeleteAgentWithRestock(ctx context.Context, agentID string, restockedBy string) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM agent_meters
		WHERE agent_id = $1
		RETURNING serial, type
	`, agentID)
	if err != nil {
		return 0, err
	}
	type returned struct{ serial, meterType string }
	var held []returned
	for rows.Next() {
		var r returned
		if err := rows.Scan(&r.serial, &r.meterType); err != nil {
			rows.Close()
			return 0, err
		}
		held = append(held, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, r := range held {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meters (id, serial, type, added_by, added_at)
			VALUES ($1,$2,$3,$4,$5)
		`, xid.New("mtr"), r.serial, r.meterType, restockedBy, now)
		if err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_ledger WHERE agent_id = $1`, agentID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, agentID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(held), nil
}

func (s *Store) ListAgentMeters(ctx context.Context, agentID string) ([]domain.AgentMeter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, type, agent_id, assigned_by, assigned_at
		FROM agent_meters
		WHERE agent_id = $1
		ORDER BY assigned_at DESC, serial
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meters := make([]domain.AgentMeter, 0, 64)
	for rows.Next() {
		var am domain.AgentMeter
		if err := rows.Scan(&am.ID, &am.Serial, &am.Type, &am.AgentID, &am.AssignedBy, &am.AssignedAt); err != nil {
			return nil, err
		}
		am.AssignedAt = am.AssignedAt.UTC()
		meters = append(meters, am)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters, nil
}

func (s *Store) ListAgentLedger(ctx context.Context, agentID string, limit int) ([]domain.AgentLedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, agent_id, type, quantity, direction, actor, created_at
		FROM agent_ledger
	`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, agentID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AgentLedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.AgentLedgerEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Quantity, &e.Direction, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// AssignMetersToAgent deletes the stock rows and re-inserts them as agent
// inventory. The delete count must equal the request size or the whole
// transfer rolls back.
func (s *Store) AssignMetersToAgent(ctx context.Context, agentID string, meterIDs []string, assignedBy string, ledger []domain.AgentLedgerEntry) ([]domain.AgentMeter, error) {
	if len(meterIDs) == 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("%w: agent %s is inactive", store.ErrValidation, agentID)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM meters
		WHERE id = ANY($1)
		RETURNING id, serial, type
	`, meterIDs)
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]domain.MeterUnit, len(meterIDs))
	for rows.Next() {
		var m domain.MeterUnit
		if err := rows.Scan(&m.ID, &m.Serial, &m.Type); err != nil {
			rows.Close()
			return nil, err
		}
		deleted[m.ID] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(deleted) != len(meterIDs) {
		var missing []string
		for _, id := range meterIDs {
			if _, ok := deleted[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, &store.MissingMetersError{Source: "stock", Serials: missing}
	}

	now := time.Now().UTC()
	assigned := make([]domain.AgentMeter, 0, len(meterIDs))
	for _, id := range meterIDs {
		unit := deleted[id]
		am := domain.AgentMeter{
			ID:         xid.New("am"),
			Serial:     unit.Serial,
			Type:       unit.Type,
			AgentID:    agentID,
			AssignedBy: assignedBy,
			AssignedAt: now,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_meters (id, serial, type, agent_id, assigned_by, assigned_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, am.ID, am.Serial, am.Type, am.AgentID, am.AssignedBy, am.AssignedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &store.DuplicateSerialError{Serials: []string{am.Serial}}
			}
			return nil, err
		}
		assigned = append(assigned, am)
	}

	if err := insertLedger(ctx, tx, ledger); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return assigned, nil
}

func (s *Store) ReturnMetersFromAgent(ctx context.Context, agentID string, agentMeterIDs []string, returnedBy string, ledger []domain.AgentLedgerEntry) error {
	if len(agentMeterIDs) == 0 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM agent_meters
		WHERE id = ANY($1) AND agent_id = $2
		RETURNING id, serial, type
	`, agentMeterIDs, agentID)
	if err != nil {
		return err
	}
	deleted := make(map[string]domain.MeterUnit, len(agentMeterIDs))
	for rows.Next() {
		var m domain.MeterUnit
		if err := rows.Scan(&m.ID, &m.Serial, &m.Type); err != nil {
			rows.Close()
			return err
		}
		deleted[m.ID] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(deleted) != len(agentMeterIDs) {
		var missing []string
		for _, id := range agentMeterIDs {
			if _, ok := deleted[id]; !ok {
				missing = append(missing, id)
			}
		}
		return &store.MissingMetersError{Source: "agent", Serials: missing}
	}

	now := time.Now().UTC()
	for _, unit := range deleted {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meters (id, serial, type, added_by, added_at)
			VALUES ($1,$2,$3,$4,$5)
		`, xid.New("mtr"), unit.Serial, unit.Type, returnedBy, now)
		if err != nil {
			if isUniqueViolation(err) {
				return &store.DuplicateSerialError{Serials: []string{unit.Serial}}
			}
			return err
		}
	}

	if err := insertLedger(ctx, tx, ledger); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateSale settles the whole sale in one transaction. Reference allocation
// reads the current year's max and inserts; if a concurrent sale wins the
// unique index on reference, or the serializable transaction aborts with a
// serialization failure, the transaction is retried from scratch.
func (s *Store) CreateSale(ctx context.Context, sale store.SaleRecord) (*domain.SalesTransaction, error) {
	if len(sale.Sold) == 0 || len(sale.Batches) == 0 || len(sale.SourceIDs) != len(sale.Sold) {
		return nil, store.ErrValidation
	}

	var lastErr error
	for attempt := 0; attempt < referenceRetries; attempt++ {
		created, err := s.createSaleOnce(ctx, sale)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) && !isSerializationFailure(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reference allocation retries exhausted: %w", lastErr)
}

func (s *Store) createSaleOnce(ctx context.Context, sale store.SaleRecord) (*domain.SalesTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Compare-and-delete the source rows. A unit sold or moved by a
	// concurrent request simply won't be there and the count check fails.
	var sourceRows *sql.Rows
	switch sale.Source {
	case domain.SaleSourceStock:
		sourceRows, err = tx.QueryContext(ctx, `
			DELETE FROM meters
			WHERE id = ANY($1)
			RETURNING id, serial, type
		`, sale.SourceIDs)
	case domain.SaleSourceAgent:
		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT true FROM agents WHERE id = $1`, sale.AgentID).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		sourceRows, err = tx.QueryContext(ctx, `
			DELETE FROM agent_meters
			WHERE id = ANY($1) AND agent_id = $2
			RETURNING id, serial, type
		`, sale.SourceIDs, sale.AgentID)
	default:
		return nil, store.ErrValidation
	}
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]domain.MeterUnit, len(sale.SourceIDs))
	for sourceRows.Next() {
		var m domain.MeterUnit
		if err := sourceRows.Scan(&m.ID, &m.Serial, &m.Type); err != nil {
			sourceRows.Close()
			return nil, err
		}
		deleted[m.ID] = m
	}
	sourceRows.Close()
	if err := sourceRows.Err(); err != nil {
		return nil, err
	}
	if len(deleted) != len(sale.SourceIDs) {
		var missing []string
		for i, id := range sale.SourceIDs {
			if _, ok := deleted[id]; !ok {
				missing = append(missing, sale.Sold[i].Serial)
			}
		}
		return nil, &store.MissingMetersError{Source: sale.Source, Serials: missing}
	}

	record := sale.Transaction
	if record.ID == "" {
		record.ID = xid.New("tx")
	}
	if record.SaleDate.IsZero() {
		record.SaleDate = time.Now().UTC()
	}
	year := record.SaleDate.Year()

	var maxRef sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(reference) FROM sales_transactions WHERE reference LIKE $1
	`, fmt.Sprintf("SR/%d/%%", year)).Scan(&maxRef)
	if err != nil {
		return nil, err
	}
	seq := 1
	if maxRef.Valid {
		parts := strings.Split(maxRef.String, "/")
		if len(parts) == 3 {
			if n, err := strconv.Atoi(parts[2]); err == nil {
				seq = n + 1
			}
		}
	}
	record.Reference = fmt.Sprintf("SR/%d/%05d", year, seq)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales_transactions (
			id, reference, destination, recipient, customer_type, customer_county,
			customer_contact, total_cents, sold_by, sale_date
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, record.ID, record.Reference, record.Destination, record.Recipient,
		nullIfEmpty(record.CustomerType), nullIfEmpty(record.CustomerCounty),
		nullIfEmpty(record.CustomerContact), record.TotalCents, record.SoldBy, record.SaleDate)
	if err != nil {
		return nil, err
	}

	batchByType := make(map[string]string, len(sale.Batches))
	for _, b := range sale.Batches {
		if b.ID == "" {
			b.ID = xid.New("sb")
		}
		batchByType[b.Type] = b.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_batches (id, transaction_id, type, quantity, unit_price_cents, total_cents, note)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, b.ID, record.ID, b.Type, b.Quantity, b.UnitPriceCents, b.TotalCents, nullIfEmpty(b.Note))
		if err != nil {
			return nil, err
		}
	}

	for i, sold := range sale.Sold {
		unit := deleted[sale.SourceIDs[i]]
		if sold.ID == "" {
			sold.ID = xid.New("sm")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sold_meters (id, serial, type, sale_batch_id, status, sold_at)
			VALUES ($1,$2,$3,$4,'active',$5)
		`, sold.ID, unit.Serial, unit.Type, batchByType[unit.Type], record.SaleDate)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &store.AlreadySoldError{Serials: []string{unit.Serial}}
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListSalesTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.SalesTransactionDetail, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, destination, recipient, COALESCE(customer_type, ''),
		       COALESCE(customer_county, ''), COALESCE(customer_contact, ''),
		       total_cents, sold_by, sale_date
		FROM sales_transactions
		WHERE sale_date >= $1 AND sale_date < $2
		ORDER BY sale_date DESC, reference DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := make([]domain.SalesTransactionDetail, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var tx domain.SalesTransaction
		err := rows.Scan(&tx.ID, &tx.Reference, &tx.Destination, &tx.Recipient, &tx.CustomerType,
			&tx.CustomerCounty, &tx.CustomerContact, &tx.TotalCents, &tx.SoldBy, &tx.SaleDate)
		if err != nil {
			return nil, err
		}
		tx.SaleDate = tx.SaleDate.UTC()
		details = append(details, domain.SalesTransactionDetail{Transaction: tx})
		ids = append(ids, tx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return details, nil
	}

	batchRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, quantity, unit_price_cents, total_cents, COALESCE(note, '')
		FROM sale_batches
		WHERE transaction_id = ANY($1)
		ORDER BY type
	`, ids)
	if err != nil {
		return nil, err
	}
	defer batchRows.Close()

	byTx := make(map[string][]domain.SaleBatch, len(ids))
	for batchRows.Next() {
		var b domain.SaleBatch
		if err := batchRows.Scan(&b.ID, &b.TransactionID, &b.Type, &b.Quantity, &b.UnitPriceCents, &b.TotalCents, &b.Note); err != nil {
			return nil, err
		}
		byTx[b.TransactionID] = append(byTx[b.TransactionID], b)
	}
	if err := batchRows.Err(); err != nil {
		return nil, err
	}
	for i := range details {
		details[i].Batches = byTx[details[i].Transaction.ID]
	}
	return details, nil
}

func (s *Store) ListSoldMeters(ctx context.Context, status string, limit int) ([]domain.SoldMeter, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, serial, type, sale_batch_id, status, sold_at,
		       COALESCE(replacement_serial, ''), COALESCE(replaced_by, ''), replaced_at
		FROM sold_meters
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY sold_at DESC, serial LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY sold_at DESC, serial LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meters := make([]domain.SoldMeter, 0, limit)
	for rows.Next() {
		var sm domain.SoldMeter
		var replacedAt sql.NullTime
		err := rows.Scan(&sm.ID, &sm.Serial, &sm.Type, &sm.SaleBatchID, &sm.Status, &sm.SoldAt,
			&sm.ReplacementSerial, &sm.ReplacedBy, &replacedAt)
		if err != nil {
			return nil, err
		}
		sm.SoldAt = sm.SoldAt.UTC()
		if replacedAt.Valid {
			at := replacedAt.Time.UTC()
			sm.ReplacedAt = &at
		}
		meters = append(meters, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return meters, nil
}

func (s *Store) GetSoldMetersByIDs(ctx context.Context, ids []string) (map[string]domain.SoldMeter, error) {
	result := make(map[string]domain.SoldMeter, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, serial, type, sale_batch_id, status, sold_at
		FROM sold_meters
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sm domain.SoldMeter
		if err := rows.Scan(&sm.ID, &sm.Serial, &sm.Type, &sm.SaleBatchID, &sm.Status, &sm.SoldAt); err != nil {
			return nil, err
		}
		sm.SoldAt = sm.SoldAt.UTC()
		result[sm.ID] = sm
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ReturnSoldMeters(ctx context.Context, returns []store.SoldReturn, actor string, at time.Time) error {
	if len(returns) == 0 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, ret := range returns {
		var sm domain.SoldMeter
		err := tx.QueryRowContext(ctx, `
			SELECT id, serial, type, sale_batch_id, status
			FROM sold_meters
			WHERE id = $1
			FOR UPDATE
		`, ret.SoldID).Scan(&sm.ID, &sm.Serial, &sm.Type, &sm.SaleBatchID, &sm.Status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &store.MissingMetersError{Source: "sold", Serials: []string{ret.Serial}}
			}
			return err
		}
		if sm.Status != domain.SoldStatusActive {
			return &store.MissingMetersError{Source: "sold", Serials: []string{sm.Serial}}
		}

		switch ret.Condition {
		case domain.ReturnConditionHealthy:
			if _, err := tx.ExecContext(ctx, `DELETE FROM sold_meters WHERE id = $1`, sm.ID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO meters (id, serial, type, added_by, added_at)
				VALUES ($1,$2,$3,$4,$5)
			`, xid.New("mtr"), sm.Serial, sm.Type, actor, at)
			if err != nil {
				if isUniqueViolation(err) {
					return &store.DuplicateSerialError{Serials: []string{sm.Serial}}
				}
				return err
			}

		case domain.ReturnConditionFaulty:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO faulty_returns (id, serial, type, fault_description, status, returned_by, returned_at, sale_batch_id)
				VALUES ($1,$2,$3,$4,'pending',$5,$6,$7)
			`, xid.New("fr"), sm.Serial, sm.Type, ret.FaultDescription, actor, at, nullIfEmpty(sm.SaleBatchID))
			if err != nil {
				return err
			}

			if ret.Replacement != nil {
				var replID, replType string
				err := tx.QueryRowContext(ctx, `
					DELETE FROM meters
					WHERE serial = $1
					RETURNING id, type
				`, ret.Replacement.Serial).Scan(&replID, &replType)
				if err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return &store.MissingMetersError{Source: "stock", Serials: []string{ret.Replacement.Serial}}
					}
					return err
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE sold_meters
					SET status = 'replaced', replacement_serial = $2, replaced_by = $3, replaced_at = $4
					WHERE id = $1
				`, sm.ID, ret.Replacement.Serial, actor, at)
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO sold_meters (id, serial, type, sale_batch_id, status, sold_at)
					VALUES ($1,$2,$3,$4,'active',$5)
				`, xid.New("sm"), ret.Replacement.Serial, replType, sm.SaleBatchID, at)
				if err != nil {
					if isUniqueViolation(err) {
						return &store.AlreadySoldError{Serials: []string{ret.Replacement.Serial}}
					}
					return err
				}
			} else {
				_, err := tx.ExecContext(ctx, `
					UPDATE sold_meters SET status = 'faulty' WHERE id = $1
				`, sm.ID)
				if err != nil {
					return err
				}
			}

		default:
			return store.ErrValidation
		}
	}

	return tx.Commit()
}

func (s *Store) ListFaultyReturns(ctx context.Context, status string, limit int) ([]domain.FaultyReturn, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, serial, type, fault_description, status, returned_by, returned_at, COALESCE(sale_batch_id, '')
		FROM faulty_returns
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY returned_at DESC, id DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY returned_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.FaultyReturn, 0, limit)
	for rows.Next() {
		var fr domain.FaultyReturn
		err := rows.Scan(&fr.ID, &fr.Serial, &fr.Type, &fr.FaultDescription, &fr.Status, &fr.ReturnedBy, &fr.ReturnedAt, &fr.SaleBatchID)
		if err != nil {
			return nil, err
		}
		fr.ReturnedAt = fr.ReturnedAt.UTC()
		returns = append(returns, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) GetFaultyReturnByID(ctx context.Context, id string) (*domain.FaultyReturn, error) {
	var fr domain.FaultyReturn
	err := s.db.QueryRowContext(ctx, `
		SELECT id, serial, type, fault_description, status, returned_by, returned_at, COALESCE(sale_batch_id, '')
		FROM faulty_returns
		WHERE id = $1
	`, id).Scan(&fr.ID, &fr.Serial, &fr.Type, &fr.FaultDescription, &fr.Status, &fr.ReturnedBy, &fr.ReturnedAt, &fr.SaleBatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	fr.ReturnedAt = fr.ReturnedAt.UTC()
	return &fr, nil
}

func (s *Store) UpdateFaultyReturnStatus(ctx context.Context, id string, newStatus string, actor string, at time.Time) (*domain.FaultyReturn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var fr domain.FaultyReturn
	err = tx.QueryRowContext(ctx, `
		SELECT id, serial, type, fault_description, status, returned_by, returned_at, COALESCE(sale_batch_id, '')
		FROM faulty_returns
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&fr.ID, &fr.Serial, &fr.Type, &fr.FaultDescription, &fr.Status, &fr.ReturnedBy, &fr.ReturnedAt, &fr.SaleBatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if fr.Status != domain.FaultStatusPending {
		return nil, fmt.Errorf("%w: fault %s is %s, not pending", store.ErrConflict, id, fr.Status)
	}

	switch newStatus {
	case domain.FaultStatusRepaired:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO meters (id, serial, type, added_by, added_at)
			VALUES ($1,$2,$3,$4,$5)
		`, xid.New("mtr"), fr.Serial, fr.Type, actor, at)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &store.DuplicateSerialError{Serials: []string{fr.Serial}}
			}
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM faulty_returns WHERE id = $1`, id); err != nil {
			return nil, err
		}
		fr.Status = domain.FaultStatusRepaired
	case domain.FaultStatusUnrepairable:
		if _, err := tx.ExecContext(ctx, `UPDATE faulty_returns SET status = 'unrepairable' WHERE id = $1`, id); err != nil {
			return nil, err
		}
		fr.Status = domain.FaultStatusUnrepairable
	default:
		return nil, store.ErrValidation
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &fr, nil
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = xid.New("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, message, created_at)
		VALUES ($1,$2,$3,$4)
	`, n.ID, n.Kind, n.Message, n.CreatedAt)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, created_at
		FROM notifications
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Notification, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		items = append(items, n)
		ids = append(ids, n.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}

	readRows, err := s.db.QueryContext(ctx, `
		SELECT notification_id, username
		FROM notification_reads
		WHERE notification_id = ANY($1)
		ORDER BY username
	`, ids)
	if err != nil {
		return nil, err
	}
	defer readRows.Close()

	readersByID := make(map[string][]string, len(ids))
	for readRows.Next() {
		var notificationID, username string
		if err := readRows.Scan(&notificationID, &username); err != nil {
			return nil, err
		}
		readersByID[notificationID] = append(readersByID[notificationID], username)
	}
	if err := readRows.Err(); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].ReadBy = readersByID[items[i].ID]
	}
	return items, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, notificationID string, username string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, username)
		SELECT id, $2 FROM notifications WHERE id = $1
		ON CONFLICT (notification_id, username) DO NOTHING
	`, notificationID, username)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT true FROM notifications WHERE id = $1`, notificationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, username)
		SELECT id, $1 FROM notifications
		ON CONFLICT (notification_id, username) DO NOTHING
	`, username)
	return err
}

func (s *Store) GetDashboardReport(ctx context.Context, from time.Time, to time.Time) (domain.DashboardReport, error) {
	var report domain.DashboardReport
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM meters),
			(SELECT COUNT(*) FROM agent_meters),
			(SELECT COUNT(*) FROM sold_meters WHERE status = 'active'),
			(SELECT COUNT(*) FROM faulty_returns WHERE status = 'pending')
	`).Scan(&report.InStock, &report.WithAgents, &report.SoldActive, &report.FaultyPending)
	if err != nil {
		return report, err
	}

	typeRows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM meters GROUP BY type ORDER BY type
	`)
	if err != nil {
		return report, err
	}
	for typeRows.Next() {
		var tc domain.TypeCount
		if err := typeRows.Scan(&tc.Type, &tc.Count); err != nil {
			typeRows.Close()
			return report, err
		}
		report.StockByType = append(report.StockByType, tc)
	}
	typeRows.Close()
	if err := typeRows.Err(); err != nil {
		return report, err
	}

	holdingRows, err := s.db.QueryContext(ctx, `
		SELECT am.agent_id, COALESCE(a.name, ''), COUNT(*)
		FROM agent_meters am
		LEFT JOIN agents a ON a.id = am.agent_id
		GROUP BY am.agent_id, a.name
		ORDER BY a.name
	`)
	if err != nil {
		return report, err
	}
	for holdingRows.Next() {
		var h domain.AgentHolding
		if err := holdingRows.Scan(&h.AgentID, &h.AgentName, &h.Count); err != nil {
			holdingRows.Close()
			return report, err
		}
		report.AgentHoldings = append(report.AgentHoldings, h)
	}
	holdingRows.Close()
	if err := holdingRows.Err(); err != nil {
		return report, err
	}

	batchRows, err := s.db.QueryContext(ctx, `
		SELECT pb.id, pb.type, pb.quantity, COUNT(m.id)
		FROM purchase_batches pb
		LEFT JOIN meters m ON m.purchase_batch_id = pb.id
		GROUP BY pb.id, pb.type, pb.quantity
		ORDER BY pb.id
	`)
	if err != nil {
		return report, err
	}
	for batchRows.Next() {
		var br domain.BatchRemaining
		if err := batchRows.Scan(&br.BatchID, &br.Type, &br.Quantity, &br.Remaining); err != nil {
			batchRows.Close()
			return report, err
		}
		report.PurchaseBatches = append(report.PurchaseBatches, br)
	}
	batchRows.Close()
	if err := batchRows.Err(); err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM sales_transactions
		WHERE sale_date >= $1 AND sale_date < $2
	`, from, to).Scan(&report.Sales.Transactions, &report.Sales.TotalCents)
	if err != nil {
		return report, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(sb.quantity), 0)
		FROM sale_batches sb
		JOIN sales_transactions st ON st.id = sb.transaction_id
		WHERE st.sale_date >= $1 AND st.sale_date < $2
	`, from, to).Scan(&report.Sales.Batches, &report.Sales.MetersSold)
	if err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "clerk"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s taken", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 32)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SetUserActive(ctx context.Context, username string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET active = $2 WHERE username = $1
	`, username, active)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, ledger []domain.AgentLedgerEntry) error {
	for _, entry := range ledger {
		if entry.ID == "" {
			entry.ID = xid.New("led")
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_ledger (id, agent_id, type, quantity, direction, actor, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, entry.ID, entry.AgentID, entry.Type, entry.Quantity, entry.Direction, entry.Actor, entry.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure reports a serializable-isolation conflict (40001).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
