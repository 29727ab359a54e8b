package possync

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
)

// CollectionKind decides who pushes a collection and who pulls it.
type CollectionKind int

const (
	// KindCatalog is pushed in bulk by the master and pulled by slaves.
	KindCatalog CollectionKind = iota
	// KindOperational is pushed record by record by the terminal that wrote it,
	// drained by the master and pushed outward again for visibility.
	KindOperational
)

// CollectionPolicy is one row of the replication policy table.
type CollectionPolicy struct {
	Collection string
	Kind       CollectionKind
}

var catalogPolicies = []CollectionPolicy{
	{Collection: models.CollectionProducts, Kind: KindCatalog},
	{Collection: models.CollectionCustomers, Kind: KindCatalog},
	{Collection: models.CollectionSuppliers, Kind: KindCatalog},
	{Collection: models.CollectionInternalSequences, Kind: KindCatalog},
	{Collection: models.CollectionProductStocks, Kind: KindCatalog},
	{Collection: models.CollectionFiscalRanges, Kind: KindCatalog},
}

var operationalPolicies = []CollectionPolicy{
	{Collection: models.CollectionInventoryLedger, Kind: KindOperational},
	{Collection: models.CollectionTransactions, Kind: KindOperational},
	{Collection: models.CollectionZReports, Kind: KindOperational},
	{Collection: models.CollectionCashMovements, Kind: KindOperational},
}

// Policies returns the replication policy table, catalogs first.
func Policies() []CollectionPolicy {
	out := make([]CollectionPolicy, 0, len(catalogPolicies)+len(operationalPolicies))
	out = append(out, catalogPolicies...)
	return append(out, operationalPolicies...)
}

func CatalogCollections() []string {
	return collectionNames(catalogPolicies)
}

func OperationalCollections() []string {
	return collectionNames(operationalPolicies)
}

func collectionNames(policies []CollectionPolicy) []string {
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.Collection)
	}
	return out
}

// PolicyFor reports the policy of a replicated collection.
func PolicyFor(collection string) (CollectionPolicy, bool) {
	for _, p := range Policies() {
		if p.Collection == collection {
			return p, true
		}
	}
	return CollectionPolicy{}, false
}

type PingResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"serverTime"`
}

type AuthRequest struct {
	TerminalId  string `json:"terminalId" validate:"required"`
	DeviceToken string `json:"deviceToken" validate:"required,min=8"`
	Name        string `json:"name,omitempty"`
	// IsPrimaryNode is only honoured when the terminal enrolls.
	IsPrimaryNode bool `json:"isPrimaryNode,omitempty"`
}

type AuthResponse struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expiresAt"`
	IsPrimaryNode bool      `json:"isPrimaryNode"`
}

type PushRequest struct {
	Items []json.RawMessage `json:"items"`
}

type PushResponse struct {
	Version int64 `json:"version"`
	Changed int   `json:"changed"`
	Deleted int   `json:"deleted"`
}

type DataResponse struct {
	Items    []json.RawMessage `json:"items"`
	Version  int64             `json:"version"`
	UpToDate bool              `json:"upToDate"`
}

type DeltaResponse struct {
	Items          []json.RawMessage `json:"items"`
	ServerTime     time.Time         `json:"serverTime"`
	IsFullDownload bool              `json:"isFullDownload"`
}

type MetadataResponse struct {
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	ItemCount   int       `json:"itemCount"`
}

// AppendResponse acknowledges a single operational record. Duplicate is set when the
// record was already queued, which still counts as success.
type AppendResponse struct {
	Id        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

type PendingResponse struct {
	Items []json.RawMessage `json:"items"`
}

type PendingAckRequest struct {
	Ids []string `json:"ids" validate:"required,min=1"`
}

type PendingAckResponse struct {
	Removed int `json:"removed"`
}

type TerminalsResponse struct {
	Terminals []models.TerminalInfo `json:"terminals"`
}

type QueueStatus struct {
	Collection string    `json:"collection"`
	Pending    int       `json:"pending"`
	Version    int64     `json:"version"`
	ItemCount  int       `json:"itemCount"`
	LastUpdate time.Time `json:"lastUpdated"`
}

type OperationalStatusResponse struct {
	ServerTime      time.Time     `json:"serverTime"`
	Queues          []QueueStatus `json:"queues"`
	TerminalsOnline int           `json:"terminalsOnline"`
	TerminalsTotal  int           `json:"terminalsTotal"`
}

type ResetResponse struct {
	TerminalId string         `json:"terminalId"`
	Removed    map[string]int `json:"removed"`
}

type StockBalancesResponse struct {
	Items []models.ProductStock `json:"items"`
}

type KardexResponse struct {
	ProductId string              `json:"productId"`
	Lines     []models.KardexLine `json:"lines"`
}

type HistoryResponse struct {
	TerminalId    string                `json:"terminalId"`
	Transactions  []models.Transaction  `json:"transactions"`
	CashMovements []models.CashMovement `json:"cashMovements"`
	ZReports      []models.ZReport      `json:"zReports"`
}

type FiscalLeaseRequest struct {
	Type      string `json:"type" validate:"required"`
	BatchSize int    `json:"batchSize" validate:"gte=0,lte=10000"`
}

type FiscalLeaseResponse struct {
	Lease models.FiscalLease `json:"lease"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// Per-collection outcome of SyncAllCatalogs.
const (
	CollectionSynced  = "SYNCED"
	CollectionPending = "PENDING"
	CollectionError   = "ERROR"
)

type CollectionStatus struct {
	Collection    string `json:"collection"`
	Status        string `json:"status"`
	LocalVersion  int64  `json:"localVersion"`
	RemoteVersion int64  `json:"remoteVersion"`
	Applied       int    `json:"applied"`
	Error         string `json:"error,omitempty"`

	err error
}

// Err returns the failure behind Error, nil when the collection synced.
func (s CollectionStatus) Err() error { return s.err }
