package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"stimatrack/backend/internal/domain"
	"stimatrack/backend/internal/store"
)

func stockUnit(id, serial, meterType string) domain.MeterUnit {
	return domain.MeterUnit{
		ID:      id,
		Serial:  serial,
		Type:    meterType,
		AddedBy: "tester",
		AddedAt: time.Now().UTC(),
	}
}

func saleRecordFor(units []domain.MeterUnit, sourceIDs []string) store.SaleRecord {
	sold := make([]domain.SoldMeter, 0, len(units))
	for _, u := range units {
		sold = append(sold, domain.SoldMeter{
			Serial: u.Serial,
			Type:   u.Type,
			Status: domain.SoldStatusActive,
		})
	}
	return store.SaleRecord{
		Transaction: domain.SalesTransaction{
			Destination: "Depot",
			Recipient:   "Buyer",
			TotalCents:  int64(len(units)) * 100000,
			SoldBy:      "tester",
			SaleDate:    time.Now().UTC(),
		},
		Batches: []domain.SaleBatch{{
			Type:           "split",
			Quantity:       len(units),
			UnitPriceCents: 100000,
			TotalCents:     int64(len(units)) * 100000,
		}},
		Sold:      sold,
		Source:    domain.SaleSourceStock,
		SourceIDs: sourceIDs,
	}
}

func TestCreateSaleConsumesEachSourceRowOnce(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	a := stockUnit("mtr-a", "MS-001", "split")
	b := stockUnit("mtr-b", "MS-002", "split")
	if err := s.AddStockMeters(ctx, []domain.MeterUnit{a, b}); err != nil {
		t.Fatalf("add stock failed: %v", err)
	}

	// One source row claimed twice, paired with two different serials.
	record := saleRecordFor([]domain.MeterUnit{
		{ID: a.ID, Serial: "MS-001", Type: "split"},
		{ID: a.ID, Serial: "MS-002", Type: "split"},
	}, []string{a.ID, a.ID})

	_, err := s.CreateSale(ctx, record)
	var missing *store.MissingMetersError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing-meters error for repeated source id, got %v", err)
	}

	locations, err := s.CheckSerials(ctx, []string{"MS-001", "MS-002"})
	if err != nil {
		t.Fatalf("check serials failed: %v", err)
	}
	for _, ser := range []string{"MS-001", "MS-002"} {
		loc := locations[ser]
		if !loc.ExistsInStock || loc.ExistsInSold {
			t.Fatalf("serial %s should only be in stock, got %+v", ser, loc)
		}
	}
}

func TestCreateSaleRecordsSourceRowSerial(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	a := stockUnit("mtr-a", "MS-101", "split")
	b := stockUnit("mtr-b", "MS-102", "split")
	if err := s.AddStockMeters(ctx, []domain.MeterUnit{a, b}); err != nil {
		t.Fatalf("add stock failed: %v", err)
	}

	// The caller pairs source row a with b's serial. The sold row must carry
	// the serial of the row actually removed.
	record := saleRecordFor([]domain.MeterUnit{
		{ID: a.ID, Serial: "MS-102", Type: "split"},
	}, []string{a.ID})

	if _, err := s.CreateSale(ctx, record); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	locations, err := s.CheckSerials(ctx, []string{"MS-101", "MS-102"})
	if err != nil {
		t.Fatalf("check serials failed: %v", err)
	}
	if loc := locations["MS-101"]; loc.ExistsInStock || !loc.ExistsInSold {
		t.Fatalf("serial MS-101 should be sold and out of stock, got %+v", loc)
	}
	if loc := locations["MS-102"]; !loc.ExistsInStock || loc.ExistsInSold {
		t.Fatalf("serial MS-102 should still be only in stock, got %+v", loc)
	}
}

func TestAssignMetersToAgentRejectsRepeatedID(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	unit := stockUnit("mtr-a", "MS-201", "gas")
	if err := s.AddStockMeters(ctx, []domain.MeterUnit{unit}); err != nil {
		t.Fatalf("add stock failed: %v", err)
	}
	agent, err := s.CreateAgent(ctx, domain.Agent{
		ID:        "agt-1",
		Name:      "Agent",
		Phone:     "0711000009",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create agent failed: %v", err)
	}

	_, err = s.AssignMetersToAgent(ctx, agent.ID, []string{unit.ID, unit.ID}, "tester", nil)
	var missing *store.MissingMetersError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing-meters error for repeated id, got %v", err)
	}

	held, err := s.ListAgentMeters(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list agent meters failed: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("expected agent to hold nothing, got %+v", held)
	}
}
