package domain

import "time"

// Meter types supported by the system. The type determines pricing at sale
// time: every distinct type in a sale must carry its own unit price.
const (
	MeterTypeSplit      = "split"
	MeterTypeIntegrated = "integrated"
	MeterTypeGas        = "gas"
	MeterTypeWater      = "water"
	MeterTypeThreePhase = "3phase"
	MeterTypeSmart      = "smart"
)

func IsValidMeterType(meterType string) bool {
	switch meterType {
	case MeterTypeSplit, MeterTypeIntegrated, MeterTypeGas, MeterTypeWater, MeterTypeThreePhase, MeterTypeSmart:
		return true
	default:
		return false
	}
}

// MeterUnit is a meter sitting in central stock. A serial number lives in at
// most one of the three live stores (stock, agent inventory, sold-active) at
// any time; the stores enforce that inside every transition.
type MeterUnit struct {
	ID              string    `json:"id"`
	Serial          string    `json:"serial"`
	Type            string    `json:"type"`
	AddedBy         string    `json:"added_by"`
	AddedAt         time.Time `json:"added_at"`
	PurchaseBatchID string    `json:"purchase_batch_id,omitempty"`
}

// AgentMeter is a meter currently held by a field agent.
type AgentMeter struct {
	ID         string    `json:"id"`
	Serial     string    `json:"serial"`
	Type       string    `json:"type"`
	AgentID    string    `json:"agent_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

const (
	SoldStatusActive   = "active"
	SoldStatusFaulty   = "faulty"
	SoldStatusReplaced = "replaced"
)

// SoldMeter is one physical unit sold, referencing its sale batch. Faulty and
// replaced rows are retained for audit; only active rows count against the
// single-location invariant.
type SoldMeter struct {
	ID                string     `json:"id"`
	Serial            string     `json:"serial"`
	Type              string     `json:"type"`
	SaleBatchID       string     `json:"sale_batch_id"`
	Status            string     `json:"status"`
	SoldAt            time.Time  `json:"sold_at"`
	ReplacementSerial string     `json:"replacement_serial,omitempty"`
	ReplacedBy        string     `json:"replaced_by,omitempty"`
	ReplacedAt        *time.Time `json:"replaced_at,omitempty"`
}

type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Location  string    `json:"location"`
	County    string    `json:"county"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AgentCreateRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
	County   string `json:"county"`
}

type AgentUpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Location *string `json:"location,omitempty"`
	County   *string `json:"county,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// PurchaseBatch records N meters of one type bought in together. Remaining
// stock per batch is derived by back-reference from MeterUnit rows.
type PurchaseBatch struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Quantity      int       `json:"quantity"`
	UnitCostCents int64     `json:"unit_cost_cents"`
	PurchasedAt   time.Time `json:"purchased_at"`
	AddedBy       string    `json:"added_by"`
}

type PurchaseBatchCreateRequest struct {
	Type          string   `json:"type"`
	Serials       []string `json:"serials"`
	UnitCostCents int64    `json:"unit_cost_cents"`
	PurchaseDate  string   `json:"purchase_date,omitempty"`
}

// SaleBatch groups same-type meters sold together at one unit price under a
// parent sales transaction.
type SaleBatch struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
	Note           string `json:"note,omitempty"`
}

// SalesTransaction is the customer-facing receipt grouping one or more sale
// batches under a sequential reference number SR/<year>/<5-digit-seq>.
type SalesTransaction struct {
	ID              string    `json:"id"`
	Reference       string    `json:"reference"`
	Destination     string    `json:"destination"`
	Recipient       string    `json:"recipient"`
	CustomerType    string    `json:"customer_type,omitempty"`
	CustomerCounty  string    `json:"customer_county,omitempty"`
	CustomerContact string    `json:"customer_contact,omitempty"`
	TotalCents      int64     `json:"total_cents"`
	SoldBy          string    `json:"sold_by"`
	SaleDate        time.Time `json:"sale_date"`
}

type SalesTransactionDetail struct {
	Transaction SalesTransaction `json:"transaction"`
	Batches     []SaleBatch      `json:"batches"`
}

const (
	FaultStatusPending      = "pending"
	FaultStatusRepaired     = "repaired"
	FaultStatusUnrepairable = "unrepairable"
)

type FaultyReturn struct {
	ID               string    `json:"id"`
	Serial           string    `json:"serial"`
	Type             string    `json:"type"`
	FaultDescription string    `json:"fault_description"`
	Status           string    `json:"status"`
	ReturnedBy       string    `json:"returned_by"`
	ReturnedAt       time.Time `json:"returned_at"`
	SaleBatchID      string    `json:"sale_batch_id,omitempty"`
}

const (
	LedgerDirectionAssign = "assign"
	LedgerDirectionReturn = "return"
)

// AgentLedgerEntry records quantity movements between central stock and an
// agent: one row per meter type on assignment, one row per meter on return.
type AgentLedgerEntry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Type      string    `json:"type"`
	Quantity  int       `json:"quantity"`
	Direction string    `json:"direction"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a shared activity-feed record created as a side effect of
// sales and transfers. Read state is per user: ReadBy holds the usernames
// that have marked the item read, and Read is filled in per caller.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ReadBy    []string  `json:"-"`
	Read      bool      `json:"read"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Sale source paths. A stock sale moves meters out of central stock; an agent
// sale moves them out of one agent's inventory.
const (
	SaleSourceStock = "stock"
	SaleSourceAgent = "agent"
)

type SaleUnit struct {
	ID     string `json:"id"`
	Serial string `json:"serial"`
	Type   string `json:"type"`
}

type SellMetersRequest struct {
	Source           string           `json:"source"`
	AgentID          string           `json:"agent_id,omitempty"`
	Units            []SaleUnit       `json:"units"`
	Destination      string           `json:"destination"`
	Recipient        string           `json:"recipient"`
	UnitPricesByType map[string]int64 `json:"unit_prices_by_type"`
	CustomerType     string           `json:"customer_type,omitempty"`
	CustomerCounty   string           `json:"customer_county,omitempty"`
	CustomerContact  string           `json:"customer_contact,omitempty"`
	SaleDate         string           `json:"sale_date,omitempty"`
	Note             string           `json:"note,omitempty"`
}

type SaleBatchSummary struct {
	BatchID        string `json:"batch_id"`
	Type           string `json:"type"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

type SellMetersResponse struct {
	TransactionID string             `json:"transaction_id"`
	Reference     string             `json:"reference"`
	TotalCents    int64              `json:"total_cents"`
	Batches       []SaleBatchSummary `json:"batches"`
}

type TransferUnit struct {
	MeterID string `json:"meter_id"`
	Serial  string `json:"serial"`
	Type    string `json:"type"`
}

type AssignMetersRequest struct {
	Units []TransferUnit `json:"units"`
}

type ReturnMetersRequest struct {
	Units []TransferUnit `json:"units"`
}

const (
	ReturnConditionHealthy = "healthy"
	ReturnConditionFaulty  = "faulty"
)

type SoldReturnUnit struct {
	ID               string `json:"id"`
	Serial           string `json:"serial"`
	Type             string `json:"type"`
	Condition        string `json:"condition"`
	FaultDescription string `json:"fault_description,omitempty"`
}

type ReplacementUnit struct {
	OriginalID string `json:"original_id"`
	NewSerial  string `json:"new_serial"`
	NewType    string `json:"new_type"`
}

type ReturnSoldMetersRequest struct {
	Units        []SoldReturnUnit  `json:"units"`
	Replacements []ReplacementUnit `json:"replacements,omitempty"`
}

type FaultyStatusUpdateRequest struct {
	Status string `json:"status"`
}

// SerialLocation reports where a normalized serial currently lives. All three
// flags come back from one store round trip; callers compose a single message
// with priority sold > agent > stock.
type SerialLocation struct {
	ExistsInStock bool `json:"exists_in_stock"`
	ExistsInAgent bool `json:"exists_in_agent"`
	ExistsInSold  bool `json:"exists_in_sold"`
}

func (l SerialLocation) Anywhere() bool {
	return l.ExistsInStock || l.ExistsInAgent || l.ExistsInSold
}

type AddStockRequest struct {
	Type    string   `json:"type"`
	Serials []string `json:"serials"`
}

type AgentDeleteResult struct {
	AgentID        string `json:"agent_id"`
	RestockedCount int    `json:"restocked_count"`
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type AgentHolding struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Count     int    `json:"count"`
}

type BatchRemaining struct {
	BatchID   string `json:"batch_id"`
	Type      string `json:"type"`
	Quantity  int    `json:"quantity"`
	Remaining int    `json:"remaining"`
}

type SalesSummary struct {
	Transactions int   `json:"transactions"`
	Batches      int   `json:"batches"`
	MetersSold   int   `json:"meters_sold"`
	TotalCents   int64 `json:"total_cents"`
}

type DashboardReport struct {
	GeneratedAt     string           `json:"generated_at"`
	InStock         int              `json:"in_stock"`
	WithAgents      int              `json:"with_agents"`
	SoldActive      int              `json:"sold_active"`
	FaultyPending   int              `json:"faulty_pending"`
	StockByType     []TypeCount      `json:"stock_by_type"`
	AgentHoldings   []AgentHolding   `json:"agent_holdings"`
	PurchaseBatches []BatchRemaining `json:"purchase_batches"`
	Sales           SalesSummary     `json:"sales"`
}
