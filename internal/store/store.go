package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stimatrack/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrAccountInactive = errors.New("account inactive")
	ErrConflict        = errors.New("conflict")
)

// MissingMetersError reports serials that were expected in a source store
// (stock or one agent's inventory) but are not there.
type MissingMetersError struct {
	Source  string
	Serials []string
}

func (e *MissingMetersError) Error() string {
	return fmt.Sprintf("meters not found in %s: %s", e.Source, strings.Join(e.Serials, ", "))
}

// AlreadySoldError reports serials that are already recorded as sold-active.
type AlreadySoldError struct {
	Serials []string
}

func (e *AlreadySoldError) Error() string {
	return fmt.Sprintf("meters already sold: %s", strings.Join(e.Serials, ", "))
}

// DuplicateSerialError reports serials that collide, either within one
// request or with rows already in a live store.
type DuplicateSerialError struct {
	Serials []string
}

func (e *DuplicateSerialError) Error() string {
	return fmt.Sprintf("duplicate serials: %s", strings.Join(e.Serials, ", "))
}

// SaleRecord is the full input to the atomic sale settlement: the transaction
// header, its batches, and the sold rows. Implementations insert everything
// and remove each unit from its source inside one transaction, allocating the
// yearly reference number as part of the same commit.
type SaleRecord struct {
	Transaction domain.SalesTransaction
	Batches     []domain.SaleBatch
	Sold        []domain.SoldMeter
	Source      string
	AgentID     string
	SourceIDs   []string
}

// SoldReturn describes one sold meter coming back, resolved by the service
// layer before the store call.
type SoldReturn struct {
	SoldID           string
	Serial           string
	Type             string
	Condition        string
	FaultDescription string
	Replacement      *domain.MeterUnit
}

// Repository is the persistence boundary. Every method that moves meters
// between stores is atomic: either all of its writes land or none do, and the
// single-location invariant for serials is re-checked inside the operation.
type Repository interface {
	AddStockMeters(ctx context.Context, meters []domain.MeterUnit) error
	ListStockMeters(ctx context.Context, meterType string, limit int) ([]domain.MeterUnit, error)
	CheckSerials(ctx context.Context, serials []string) (map[string]domain.SerialLocation, error)
	CreatePurchaseBatch(ctx context.Context, batch domain.PurchaseBatch, meters []domain.MeterUnit) (*domain.PurchaseBatch, error)
	ListPurchaseBatches(ctx context.Context, limit int) ([]domain.PurchaseBatch, error)

	CreateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error)
	GetAgentByID(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error)
	DeleteAgentWithRestock(ctx context.Context, agentID string, restockedBy string) (int, error)
	ListAgentMeters(ctx context.Context, agentID string) ([]domain.AgentMeter, error)
	ListAgentLedger(ctx context.Context, agentID string, limit int) ([]domain.AgentLedgerEntry, error)

	AssignMetersToAgent(ctx context.Context, agentID string, meterIDs []string, assignedBy string, ledger []domain.AgentLedgerEntry) ([]domain.AgentMeter, error)
	ReturnMetersFromAgent(ctx context.Context, agentID string, agentMeterIDs []string, returnedBy string, ledger []domain.AgentLedgerEntry) error

	CreateSale(ctx context.Context, sale SaleRecord) (*domain.SalesTransaction, error)
	ListSalesTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.SalesTransactionDetail, error)
	ListSoldMeters(ctx context.Context, status string, limit int) ([]domain.SoldMeter, error)
	GetSoldMetersByIDs(ctx context.Context, ids []string) (map[string]domain.SoldMeter, error)

	ReturnSoldMeters(ctx context.Context, returns []SoldReturn, actor string, at time.Time) error
	ListFaultyReturns(ctx context.Context, status string, limit int) ([]domain.FaultyReturn, error)
	GetFaultyReturnByID(ctx context.Context, id string) (*domain.FaultyReturn, error)
	UpdateFaultyReturnStatus(ctx context.Context, id string, newStatus string, actor string, at time.Time) (*domain.FaultyReturn, error)

	CreateNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string, username string) error
	MarkAllNotificationsRead(ctx context.Context, username string) error

	GetDashboardReport(ctx context.Context, from time.Time, to time.Time) (domain.DashboardReport, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	SetUserActive(ctx context.Context, username string, active bool) error
}
