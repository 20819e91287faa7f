package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"stimatrack/backend/internal/cache"
	"stimatrack/backend/internal/domain"
	"stimatrack/backend/internal/store"
	"stimatrack/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopSerialLookupCache{}, 5*time.Second)
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func clerkContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "clerk", Role: "clerk"})
}

func addStock(t *testing.T, svc *Service, ctx context.Context, meterType string, serials ...string) []domain.MeterUnit {
	t.Helper()
	meters, err := svc.AddStockMeters(ctx, domain.AddStockRequest{Type: meterType, Serials: serials})
	if err != nil {
		t.Fatalf("add stock failed: %v", err)
	}
	return meters
}

func saleUnits(meters ...domain.MeterUnit) []domain.SaleUnit {
	units := make([]domain.SaleUnit, 0, len(meters))
	for _, m := range meters {
		units = append(units, domain.SaleUnit{ID: m.ID, Serial: m.Serial, Type: m.Type})
	}
	return units
}

func TestSellMetersMultiTypeSale(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	splits := addStock(t, svc, ctx, "split", "SP-001", "SP-002", "SP-003")
	gases := addStock(t, svc, ctx, "gas", "GA-001", "GA-002")

	resp, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:       saleUnits(append(splits, gases...)...),
		Destination: "Nairobi West",
		Recipient:   "Utility Co",
		UnitPricesByType: map[string]int64{
			"split": 150000,
			"gas":   200000,
		},
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if len(resp.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(resp.Batches))
	}
	wantTotal := int64(3*150000 + 2*200000)
	if resp.TotalCents != wantTotal {
		t.Fatalf("expected total %d, got %d", wantTotal, resp.TotalCents)
	}
	wantRef := fmt.Sprintf("SR/%d/00001", time.Now().UTC().Year())
	if resp.Reference != wantRef {
		t.Fatalf("expected reference %s, got %s", wantRef, resp.Reference)
	}

	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if len(sold) != 5 {
		t.Fatalf("expected 5 active sold meters, got %d", len(sold))
	}

	// Every sold serial must have left central stock.
	for _, m := range append(splits, gases...) {
		loc, _, err := svc.CheckMeterExistsAnywhere(ctx, m.Serial)
		if err != nil {
			t.Fatalf("exists check failed: %v", err)
		}
		if loc.ExistsInStock || !loc.ExistsInSold {
			t.Fatalf("serial %s should be sold and out of stock, got %+v", m.Serial, loc)
		}
	}
}

func TestSellMetersRejectsAlreadySoldWithSerialList(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "SP-100")
	req := domain.SellMetersRequest{
		Units:            saleUnits(meters...),
		Destination:      "Depot",
		Recipient:        "First Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	}
	if _, err := svc.SellMeters(ctx, req); err != nil {
		t.Fatalf("first sale failed: %v", err)
	}

	req.Recipient = "Second Buyer"
	_, err := svc.SellMeters(ctx, req)
	var alreadySold *store.AlreadySoldError
	if !errors.As(err, &alreadySold) {
		t.Fatalf("expected already-sold error, got %v", err)
	}
	if len(alreadySold.Serials) != 1 || alreadySold.Serials[0] != "SP-100" {
		t.Fatalf("expected offending serial SP-100, got %v", alreadySold.Serials)
	}
}

func TestSellMetersRejectsMissingAndDuplicateSerials(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "SP-200")

	// Duplicate serials within one request, case-insensitive.
	units := saleUnits(meters...)
	units = append(units, domain.SaleUnit{ID: "fake-id", Serial: "sp-200", Type: "split"})
	_, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            units,
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	})
	var duplicate *store.DuplicateSerialError
	if !errors.As(err, &duplicate) {
		t.Fatalf("expected duplicate serial error, got %v", err)
	}

	// A serial that is nowhere in the system.
	_, err = svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            []domain.SaleUnit{{ID: "ghost", Serial: "NOPE-1", Type: "split"}},
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	})
	var missing *store.MissingMetersError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing meters error, got %v", err)
	}
	if missing.Source != domain.SaleSourceStock {
		t.Fatalf("expected stock source in error, got %s", missing.Source)
	}
}

func TestSellMetersRequiresPricePerType(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	splits := addStock(t, svc, ctx, "split", "SP-300")
	gases := addStock(t, svc, ctx, "gas", "GA-300")

	_, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(append(splits, gases...)...),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "unit price") {
		t.Fatalf("expected missing unit price message, got %v", err)
	}
}

func TestSaleReferencesAreSequentialWithinYear(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()
	year := time.Now().UTC().Year()

	for i, want := range []string{
		fmt.Sprintf("SR/%d/00001", year),
		fmt.Sprintf("SR/%d/00002", year),
	} {
		meters := addStock(t, svc, ctx, "water", fmt.Sprintf("WA-%03d", i))
		resp, err := svc.SellMeters(ctx, domain.SellMetersRequest{
			Units:            saleUnits(meters...),
			Destination:      "Depot",
			Recipient:        "Buyer",
			UnitPricesByType: map[string]int64{"water": 90000},
		})
		if err != nil {
			t.Fatalf("sale %d failed: %v", i, err)
		}
		if resp.Reference != want {
			t.Fatalf("expected reference %s, got %s", want, resp.Reference)
		}
	}
}

func TestSerialNormalizationAtIntake(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "smart", "  0012345a ")
	if meters[0].Serial != "12345A" {
		t.Fatalf("expected normalized serial 12345A, got %s", meters[0].Serial)
	}

	// Lookups normalize the same way, so variants hit the same record.
	loc, msg, err := svc.CheckMeterExistsAnywhere(ctx, "12345a")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if !loc.ExistsInStock {
		t.Fatalf("expected serial in stock, got %+v", loc)
	}
	if !strings.Contains(msg, "central stock") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestAssignAndReturnRoundTrip(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "SP-400", "SP-401")
	agent, err := svc.CreateAgent(ctx, domain.AgentCreateRequest{Name: "Field Agent", Phone: "0711000001"})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}

	units := make([]domain.TransferUnit, 0, len(meters))
	for _, m := range meters {
		units = append(units, domain.TransferUnit{MeterID: m.ID, Serial: m.Serial, Type: m.Type})
	}
	assigned, err := svc.AssignMetersToAgent(ctx, agent.ID, domain.AssignMetersRequest{Units: units})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assigned meters, got %d", len(assigned))
	}

	// Assignment writes one ledger row per type with the summed quantity.
	ledger, err := svc.ListAgentLedger(ctx, agent.ID, 0)
	if err != nil {
		t.Fatalf("list ledger failed: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Direction != domain.LedgerDirectionAssign || ledger[0].Quantity != 2 {
		t.Fatalf("unexpected ledger after assign: %+v", ledger)
	}

	returnUnits := make([]domain.TransferUnit, 0, len(assigned))
	for _, am := range assigned {
		returnUnits = append(returnUnits, domain.TransferUnit{MeterID: am.ID, Serial: am.Serial, Type: am.Type})
	}
	if err := svc.ReturnMetersFromAgent(ctx, agent.ID, domain.ReturnMetersRequest{Units: returnUnits}); err != nil {
		t.Fatalf("return failed: %v", err)
	}

	held, err := svc.ListAgentMeters(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list agent meters failed: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("expected agent to hold nothing, got %d", len(held))
	}
	for _, m := range meters {
		loc, _, err := svc.CheckMeterExistsAnywhere(ctx, m.Serial)
		if err != nil {
			t.Fatalf("exists check failed: %v", err)
		}
		if !loc.ExistsInStock || loc.ExistsInAgent {
			t.Fatalf("serial %s should be back in stock, got %+v", m.Serial, loc)
		}
	}

	// Returns write one ledger row per meter.
	ledger, err = svc.ListAgentLedger(ctx, agent.ID, 0)
	if err != nil {
		t.Fatalf("list ledger failed: %v", err)
	}
	returnsSeen := 0
	for _, entry := range ledger {
		if entry.Direction == domain.LedgerDirectionReturn {
			returnsSeen++
			if entry.Quantity != 1 {
				t.Fatalf("return ledger entries carry quantity 1, got %d", entry.Quantity)
			}
		}
	}
	if returnsSeen != 2 {
		t.Fatalf("expected 2 return ledger entries, got %d", returnsSeen)
	}
}

func TestSellMetersFromAgentInventory(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "3phase", "TP-500")
	agent, err := svc.CreateAgent(ctx, domain.AgentCreateRequest{Name: "Agent B", Phone: "0711000002"})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}
	assigned, err := svc.AssignMetersToAgent(ctx, agent.ID, domain.AssignMetersRequest{
		Units: []domain.TransferUnit{{MeterID: meters[0].ID, Serial: meters[0].Serial, Type: meters[0].Type}},
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	resp, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Source:           domain.SaleSourceAgent,
		AgentID:          agent.ID,
		Units:            []domain.SaleUnit{{ID: assigned[0].ID, Serial: assigned[0].Serial, Type: assigned[0].Type}},
		Destination:      "Site",
		Recipient:        "Customer",
		UnitPricesByType: map[string]int64{"3phase": 300000},
	})
	if err != nil {
		t.Fatalf("agent sale failed: %v", err)
	}
	if resp.TotalCents != 300000 {
		t.Fatalf("expected total 300000, got %d", resp.TotalCents)
	}

	held, err := svc.ListAgentMeters(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list agent meters failed: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("expected agent inventory to be empty after sale, got %d", len(held))
	}
}

func TestReturnSoldMetersMixedHealthyAndFaulty(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "SP-600", "SP-601")
	if _, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(meters...),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	soldBySerial := make(map[string]domain.SoldMeter, len(sold))
	for _, sm := range sold {
		soldBySerial[sm.Serial] = sm
	}

	err = svc.ReturnSoldMeters(ctx, domain.ReturnSoldMetersRequest{
		Units: []domain.SoldReturnUnit{
			{
				ID:        soldBySerial["SP-600"].ID,
				Serial:    "SP-600",
				Type:      "split",
				Condition: domain.ReturnConditionHealthy,
			},
			{
				ID:               soldBySerial["SP-601"].ID,
				Serial:           "SP-601",
				Type:             "split",
				Condition:        domain.ReturnConditionFaulty,
				FaultDescription: "display dead on arrival",
			},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	// Healthy unit is back in stock; faulty unit is in the fault queue.
	loc, _, err := svc.CheckMeterExistsAnywhere(ctx, "SP-600")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if !loc.ExistsInStock || loc.ExistsInSold {
		t.Fatalf("healthy return should be restocked, got %+v", loc)
	}

	faults, err := svc.ListFaultyReturns(ctx, domain.FaultStatusPending, 0)
	if err != nil {
		t.Fatalf("list faults failed: %v", err)
	}
	if len(faults) != 1 || faults[0].Serial != "SP-601" {
		t.Fatalf("expected pending fault for SP-601, got %+v", faults)
	}

	active, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sold meters left, got %d", len(active))
	}
}

func TestReturnSoldMeterWithReplacement(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	original := addStock(t, svc, ctx, "smart", "SM-700")
	replacement := addStock(t, svc, ctx, "smart", "SM-701")
	if _, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(original...),
		Destination:      "Estate",
		Recipient:        "Customer",
		UnitPricesByType: map[string]int64{"smart": 250000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}

	err = svc.ReturnSoldMeters(ctx, domain.ReturnSoldMetersRequest{
		Units: []domain.SoldReturnUnit{{
			ID:               sold[0].ID,
			Serial:           "SM-700",
			Type:             "smart",
			Condition:        domain.ReturnConditionFaulty,
			FaultDescription: "relay stuck open",
		}},
		Replacements: []domain.ReplacementUnit{{
			OriginalID: sold[0].ID,
			NewSerial:  replacement[0].Serial,
			NewType:    "smart",
		}},
	})
	if err != nil {
		t.Fatalf("replacement return failed: %v", err)
	}

	// The replacement left stock and is now the customer's active meter.
	loc, _, err := svc.CheckMeterExistsAnywhere(ctx, "SM-701")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if loc.ExistsInStock || !loc.ExistsInSold {
		t.Fatalf("replacement should be sold-active, got %+v", loc)
	}

	replaced, err := svc.ListSoldMeters(ctx, domain.SoldStatusReplaced, 0)
	if err != nil {
		t.Fatalf("list replaced failed: %v", err)
	}
	if len(replaced) != 1 || replaced[0].ReplacementSerial != "SM-701" {
		t.Fatalf("expected replaced row pointing at SM-701, got %+v", replaced)
	}

	faults, err := svc.ListFaultyReturns(ctx, domain.FaultStatusPending, 0)
	if err != nil {
		t.Fatalf("list faults failed: %v", err)
	}
	if len(faults) != 1 || faults[0].Serial != "SM-700" {
		t.Fatalf("expected pending fault for SM-700, got %+v", faults)
	}
}

func TestFaultyStatusTransitions(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "gas", "GA-800")
	if _, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(meters...),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"gas": 180000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if err := svc.ReturnSoldMeters(ctx, domain.ReturnSoldMetersRequest{
		Units: []domain.SoldReturnUnit{{
			ID:               sold[0].ID,
			Serial:           "GA-800",
			Type:             "gas",
			Condition:        domain.ReturnConditionFaulty,
			FaultDescription: "valve leak",
		}},
	}); err != nil {
		t.Fatalf("fault return failed: %v", err)
	}

	faults, err := svc.ListFaultyReturns(ctx, domain.FaultStatusPending, 0)
	if err != nil {
		t.Fatalf("list faults failed: %v", err)
	}

	if _, err := svc.UpdateFaultyMeterStatus(ctx, faults[0].ID, "broken"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}

	msg, err := svc.UpdateFaultyMeterStatus(ctx, faults[0].ID, domain.FaultStatusRepaired)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if !strings.Contains(msg, "returned to stock") {
		t.Fatalf("unexpected repair message: %s", msg)
	}
	loc, _, err := svc.CheckMeterExistsAnywhere(ctx, "GA-800")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if !loc.ExistsInStock {
		t.Fatalf("repaired meter should be back in stock, got %+v", loc)
	}

	// The fault record is consumed by the repair; a second update must fail.
	if _, err := svc.UpdateFaultyMeterStatus(ctx, faults[0].ID, domain.FaultStatusUnrepairable); err == nil {
		t.Fatalf("expected error updating a resolved fault record")
	}
}

func TestDeleteAgentRestocksHeldMeters(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "water", "WA-900", "WA-901")
	agent, err := svc.CreateAgent(ctx, domain.AgentCreateRequest{Name: "Departing Agent", Phone: "0711000003"})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}
	units := make([]domain.TransferUnit, 0, len(meters))
	for _, m := range meters {
		units = append(units, domain.TransferUnit{MeterID: m.ID, Serial: m.Serial, Type: m.Type})
	}
	if _, err := svc.AssignMetersToAgent(ctx, agent.ID, domain.AssignMetersRequest{Units: units}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	// Agent deletion is admin-only.
	if _, err := svc.DeleteAgent(clerkContext(), agent.ID); err == nil {
		t.Fatalf("expected clerk agent deletion to be rejected")
	}

	result, err := svc.DeleteAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("delete agent failed: %v", err)
	}
	if result.RestockedCount != 2 {
		t.Fatalf("expected 2 restocked meters, got %d", result.RestockedCount)
	}

	if _, err := svc.GetAgent(ctx, agent.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted agent to be gone, got %v", err)
	}
	for _, m := range meters {
		loc, _, err := svc.CheckMeterExistsAnywhere(ctx, m.Serial)
		if err != nil {
			t.Fatalf("exists check failed: %v", err)
		}
		if !loc.ExistsInStock {
			t.Fatalf("serial %s should be restocked, got %+v", m.Serial, loc)
		}
	}
}

func TestInactiveAccountIsRejected(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopSerialLookupCache{}, 5*time.Second)

	if err := repo.SetUserActive(context.Background(), "clerk", false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	_, err := svc.AddStockMeters(clerkContext(), domain.AddStockRequest{
		Type:    "split",
		Serials: []string{"SP-950"},
	})
	if !errors.Is(err, store.ErrAccountInactive) {
		t.Fatalf("expected account-inactive error, got %v", err)
	}
}

func TestNotificationsTrackReadStatePerUser(t *testing.T) {
	svc := newTestService()
	adminCtx := adminContext()
	clerkCtx := clerkContext()

	meters := addStock(t, svc, adminCtx, "split", "SP-960")
	if _, err := svc.SellMeters(adminCtx, domain.SellMetersRequest{
		Units:            saleUnits(meters...),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	items, err := svc.ListNotifications(adminCtx, 0)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected a sale notification")
	}
	if items[0].Read {
		t.Fatalf("fresh notification should be unread")
	}

	if err := svc.MarkAllNotificationsRead(adminCtx); err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}

	items, err = svc.ListNotifications(adminCtx, 0)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if !items[0].Read {
		t.Fatalf("expected notification read for admin")
	}

	// Read state is per user: the clerk still sees it unread.
	items, err = svc.ListNotifications(clerkCtx, 0)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if items[0].Read {
		t.Fatalf("expected notification unread for clerk")
	}
}

func TestDashboardReportCountsByState(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "SP-970", "SP-971", "SP-972")
	agent, err := svc.CreateAgent(ctx, domain.AgentCreateRequest{Name: "Agent C", Phone: "0711000004"})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}
	if _, err := svc.AssignMetersToAgent(ctx, agent.ID, domain.AssignMetersRequest{
		Units: []domain.TransferUnit{{MeterID: meters[0].ID, Serial: meters[0].Serial, Type: meters[0].Type}},
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(meters[1]),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	report, err := svc.GetDashboardReport(ctx, "", "")
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if report.InStock != 1 || report.WithAgents != 1 || report.SoldActive != 1 {
		t.Fatalf("unexpected state counts: %+v", report)
	}
	if report.Sales.Transactions != 1 || report.Sales.TotalCents != 100000 {
		t.Fatalf("unexpected sales summary: %+v", report.Sales)
	}
}

func TestSellMetersRejectsRepeatedMeterID(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "DP-101", "DP-102")
	_, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units: []domain.SaleUnit{
			{ID: meters[0].ID, Serial: "DP-101", Type: "split"},
			{ID: meters[0].ID, Serial: "DP-102", Type: "split"},
		},
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 150000},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for repeated meter id, got %v", err)
	}

	// Nothing may have moved; both serials still live only in stock.
	for _, ser := range []string{"DP-101", "DP-102"} {
		loc, _, err := svc.CheckMeterExistsAnywhere(ctx, ser)
		if err != nil {
			t.Fatalf("exists check failed: %v", err)
		}
		if !loc.ExistsInStock || loc.ExistsInSold {
			t.Fatalf("serial %s should only be in stock, got %+v", ser, loc)
		}
	}
	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if len(sold) != 0 {
		t.Fatalf("expected no sold meters, got %d", len(sold))
	}
}

func TestAssignMetersRejectsRepeatedMeterID(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "gas", "RA-301")
	agent, err := svc.CreateAgent(ctx, domain.AgentCreateRequest{Name: "Agent D", Phone: "0711000005"})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}

	unit := domain.TransferUnit{MeterID: meters[0].ID, Serial: meters[0].Serial, Type: meters[0].Type}
	_, err = svc.AssignMetersToAgent(ctx, agent.ID, domain.AssignMetersRequest{
		Units: []domain.TransferUnit{unit, unit},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for repeated meter id, got %v", err)
	}

	held, err := svc.ListAgentMeters(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list agent meters failed: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("expected agent to hold nothing, got %+v", held)
	}
	loc, _, err := svc.CheckMeterExistsAnywhere(ctx, "RA-301")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if !loc.ExistsInStock || loc.ExistsInAgent {
		t.Fatalf("serial RA-301 should still be in stock, got %+v", loc)
	}
}

func TestReturnSoldMetersRejectsRepeatedSoldID(t *testing.T) {
	svc := newTestService()
	ctx := adminContext()

	meters := addStock(t, svc, ctx, "split", "RS-901")
	if _, err := svc.SellMeters(ctx, domain.SellMetersRequest{
		Units:            saleUnits(meters...),
		Destination:      "Depot",
		Recipient:        "Buyer",
		UnitPricesByType: map[string]int64{"split": 100000},
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	sold, err := svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if len(sold) != 1 {
		t.Fatalf("expected 1 sold meter, got %d", len(sold))
	}

	unit := domain.SoldReturnUnit{ID: sold[0].ID, Serial: sold[0].Serial, Condition: "healthy"}
	err = svc.ReturnSoldMeters(ctx, domain.ReturnSoldMetersRequest{
		Units: []domain.SoldReturnUnit{unit, unit},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for repeated sold id, got %v", err)
	}

	sold, err = svc.ListSoldMeters(ctx, domain.SoldStatusActive, 0)
	if err != nil {
		t.Fatalf("list sold failed: %v", err)
	}
	if len(sold) != 1 {
		t.Fatalf("expected sold meter untouched, got %d", len(sold))
	}
}
