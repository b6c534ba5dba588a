package aggregator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/esi-contract-ingest/internal/store"
)

// ItemStatus tracks item enrichment of a contract.
type ItemStatus string

const (
	ItemsPending ItemStatus = "PENDING_ITEMS"
	ItemsFetched ItemStatus = "ITEMS_FETCHED"
	ItemsFailed  ItemStatus = "ITEMS_FAILED"

	// ItemsNone marks contract types that never carry items.
	ItemsNone ItemStatus = "NO_ITEMS"
)

// ContractsTable is the primary record table.
var ContractsTable = store.Table{
	Name:       "contracts",
	PrimaryKey: []string{"contract_id"},
	Columns: []string{
		"contract_id", "title", "price", "collateral", "status", "contract_type",
		"issuer_id", "issuer_corporation_id", "start_location_id", "end_location_id",
		"start_location_region_id", "for_corporation", "date_issued", "date_expired",
		"date_completed", "reward", "volume", "days_to_complete", "buyout",
		"issuer_name", "issuer_corporation_name", "is_ship_contract",
		"item_processing_status", "items_last_fetched_at", "contract_esi_etag",
	},
}

// contractFieldsTable writes what a region page carries. The item columns
// are set only when a contract is first inserted; after that the item pass
// owns them and writes them through the item status tables below.
var contractFieldsTable = store.Table{
	Name:       ContractsTable.Name,
	PrimaryKey: ContractsTable.PrimaryKey,
	Columns:    ContractsTable.Columns,
	InsertOnly: []string{"item_processing_status", "items_last_fetched_at", "contract_esi_etag"},
}

var (
	// itemsFetchedTable records freshly downloaded items.
	itemsFetchedTable = store.Table{
		Name:       ContractsTable.Name,
		PrimaryKey: ContractsTable.PrimaryKey,
		Columns:    []string{"contract_id", "item_processing_status", "items_last_fetched_at", "contract_esi_etag"},
	}

	// itemsRevalidatedTable records items confirmed unchanged by a 304. The
	// time of the last download stays.
	itemsRevalidatedTable = store.Table{
		Name:       ContractsTable.Name,
		PrimaryKey: ContractsTable.PrimaryKey,
		Columns:    []string{"contract_id", "item_processing_status", "contract_esi_etag"},
	}

	// itemsFailedTable records a failed item fetch and keeps the last good
	// download time and validator.
	itemsFailedTable = store.Table{
		Name:       ContractsTable.Name,
		PrimaryKey: ContractsTable.PrimaryKey,
		Columns:    []string{"contract_id", "item_processing_status"},
	}
)

// ContractItemsTable is the child record table, keyed by the ESI record id.
var ContractItemsTable = store.Table{
	Name:       "contract_items",
	PrimaryKey: []string{"record_id"},
	Columns: []string{
		"record_id", "contract_id", "type_id", "quantity", "is_included",
		"is_singleton", "is_blueprint_copy", "raw_quantity",
	},
}

// esiContract is one entry of /v1/contracts/public/{region_id}/.
type esiContract struct {
	ContractID          int64      `json:"contract_id"`
	Buyout              *float64   `json:"buyout"`
	Collateral          *float64   `json:"collateral"`
	DateExpired         time.Time  `json:"date_expired"`
	DateIssued          time.Time  `json:"date_issued"`
	DateCompleted       *time.Time `json:"date_completed"`
	DaysToComplete      *int64     `json:"days_to_complete"`
	EndLocationID       *int64     `json:"end_location_id"`
	ForCorporation      bool       `json:"for_corporation"`
	IssuerCorporationID int64      `json:"issuer_corporation_id"`
	IssuerID            int64      `json:"issuer_id"`
	Price               *float64   `json:"price"`
	Reward              *float64   `json:"reward"`
	StartLocationID     *int64     `json:"start_location_id"`
	Status              string     `json:"status"`
	Title               string     `json:"title"`
	Type                string     `json:"type"`
	Volume              *float64   `json:"volume"`
}

// esiContractItem is one entry of /v1/contracts/public/items/{contract_id}/.
type esiContractItem struct {
	RecordID        int64  `json:"record_id"`
	TypeID          int64  `json:"type_id"`
	Quantity        int64  `json:"quantity"`
	IsIncluded      bool   `json:"is_included"`
	IsSingleton     bool   `json:"is_singleton"`
	IsBlueprintCopy *bool  `json:"is_blueprint_copy"`
	RawQuantity     *int64 `json:"raw_quantity"`
}

// Contract is a public contract as stored in the contracts table.
type Contract struct {
	ContractID          int64
	Title               string
	Price               float64
	Collateral          float64
	Status              string
	Type                string
	IssuerID            int64
	IssuerCorporationID int64
	StartLocationID     *int64
	EndLocationID       *int64
	RegionID            int64
	ForCorporation      bool
	DateIssued          time.Time
	DateExpired         time.Time
	DateCompleted       *time.Time
	Reward              *float64
	Volume              *float64
	DaysToComplete      *int64
	Buyout              *float64

	IssuerName            *string
	IssuerCorporationName *string
	IsShipContract        bool

	ItemStatus         ItemStatus
	ItemsLastFetchedAt *time.Time
	ETag               *string
}

// ContractItem is one line of a contract as stored in contract_items.
type ContractItem struct {
	RecordID        int64
	ContractID      int64
	TypeID          int64
	Quantity        int64
	IsIncluded      bool
	IsSingleton     bool
	IsBlueprintCopy *bool
	RawQuantity     *int64
}

func decodeContract(raw json.RawMessage, regionID int64) (Contract, error) {
	var rec esiContract
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Contract{}, fmt.Errorf("decode contract: %w", err)
	}
	if rec.ContractID <= 0 {
		return Contract{}, fmt.Errorf("decode contract: missing contract_id in %s", truncate(raw))
	}

	status := rec.Status
	if status == "" {
		status = "outstanding"
	}

	return Contract{
		ContractID:          rec.ContractID,
		Title:               rec.Title,
		Price:               valueOr(rec.Price, 0),
		Collateral:          valueOr(rec.Collateral, 0),
		Status:              status,
		Type:                rec.Type,
		IssuerID:            rec.IssuerID,
		IssuerCorporationID: rec.IssuerCorporationID,
		StartLocationID:     rec.StartLocationID,
		EndLocationID:       rec.EndLocationID,
		RegionID:            regionID,
		ForCorporation:      rec.ForCorporation,
		DateIssued:          rec.DateIssued.UTC(),
		DateExpired:         rec.DateExpired.UTC(),
		DateCompleted:       rec.DateCompleted,
		Reward:              rec.Reward,
		Volume:              rec.Volume,
		DaysToComplete:      rec.DaysToComplete,
		Buyout:              rec.Buyout,
	}, nil
}

func decodeItem(raw json.RawMessage, contractID int64) (ContractItem, error) {
	var rec esiContractItem
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ContractItem{}, fmt.Errorf("decode item of contract %d: %w", contractID, err)
	}
	if rec.RecordID <= 0 {
		return ContractItem{}, fmt.Errorf("decode item of contract %d: missing record_id in %s", contractID, truncate(raw))
	}

	return ContractItem{
		RecordID:        rec.RecordID,
		ContractID:      contractID,
		TypeID:          rec.TypeID,
		Quantity:        rec.Quantity,
		IsIncluded:      rec.IsIncluded,
		IsSingleton:     rec.IsSingleton,
		IsBlueprintCopy: rec.IsBlueprintCopy,
		RawQuantity:     rec.RawQuantity,
	}, nil
}

// Row maps the contract onto ContractsTable columns.
func (c Contract) Row() store.Row {
	return store.Row{
		"contract_id":              c.ContractID,
		"title":                    c.Title,
		"price":                    c.Price,
		"collateral":               c.Collateral,
		"status":                   c.Status,
		"contract_type":            c.Type,
		"issuer_id":                c.IssuerID,
		"issuer_corporation_id":    c.IssuerCorporationID,
		"start_location_id":        nullable(c.StartLocationID),
		"end_location_id":          nullable(c.EndLocationID),
		"start_location_region_id": c.RegionID,
		"for_corporation":          c.ForCorporation,
		"date_issued":              c.DateIssued,
		"date_expired":             c.DateExpired,
		"date_completed":           nullableTime(c.DateCompleted),
		"reward":                   nullable(c.Reward),
		"volume":                   nullable(c.Volume),
		"days_to_complete":         nullable(c.DaysToComplete),
		"buyout":                   nullable(c.Buyout),
		"issuer_name":              nullable(c.IssuerName),
		"issuer_corporation_name":  nullable(c.IssuerCorporationName),
		"is_ship_contract":         c.IsShipContract,
		"item_processing_status":   string(c.ItemStatus),
		"items_last_fetched_at":    nullableTime(c.ItemsLastFetchedAt),
		"contract_esi_etag":        nullable(c.ETag),
	}
}

// Row maps the item onto ContractItemsTable columns.
func (i ContractItem) Row() store.Row {
	return store.Row{
		"record_id":         i.RecordID,
		"contract_id":       i.ContractID,
		"type_id":           i.TypeID,
		"quantity":          i.Quantity,
		"is_included":       i.IsIncluded,
		"is_singleton":      i.IsSingleton,
		"is_blueprint_copy": nullable(i.IsBlueprintCopy),
		"raw_quantity":      nullable(i.RawQuantity),
	}
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func truncate(raw json.RawMessage) string {
	const limit = 120
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
