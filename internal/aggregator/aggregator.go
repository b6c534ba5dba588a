// Package aggregator runs ingestion passes over public contracts.
//
// A run takes the distributed run lock, pulls every page of every configured
// region, resolves issuer names, upserts contracts, then fetches and upserts
// the items of the contract types that carry them. Runs never return an
// error to the scheduler: the outcome is reported in Result.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/esi-contract-ingest/internal/store"
	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
	"github.com/Sternrassler/esi-contract-ingest/pkg/pagination"
	"github.com/Sternrassler/esi-contract-ingest/pkg/resolver"
	"github.com/Sternrassler/esi-contract-ingest/pkg/runlock"
)

const (
	contractsPath = "/v1/contracts/public/%d/"
	itemsPath     = "/v1/contracts/public/items/%d/"
)

// State is a step of the run state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateLocked     State = "LOCKED"
	StateFetching   State = "FETCHING"
	StateEnriching  State = "ENRICHING"
	StateWriting    State = "WRITING"
	StateLockDenied State = "LOCK_DENIED"
	StateFailed     State = "FAILED"
)

// PageFetcher pulls paginated resources. *pagination.Fetcher implements it.
type PageFetcher interface {
	Fetch(ctx context.Context, path string, opts pagination.Options) ([]json.RawMessage, error)
	FetchPage(ctx context.Context, path string, page int, opts pagination.Options) (*pagination.Page, error)
}

// NameResolver maps entity ids to names. *resolver.Resolver implements it.
type NameResolver interface {
	Resolve(ctx context.Context, ids []int64) map[int64]resolver.Name
}

// Locker hands out the run lock. *runlock.Locker implements it.
type Locker interface {
	Acquire(ctx context.Context) (*runlock.Guard, error)
}

// Writer upserts rows and updates existing ones. *store.Writer implements it.
type Writer interface {
	Upsert(ctx context.Context, t store.Table, rows []store.Row) (int, error)
	Update(ctx context.Context, t store.Table, rows []store.Row) (int, error)
}

// Config holds run settings.
type Config struct {
	// RegionIDs are the partitions fetched each run, in order.
	RegionIDs []int64

	// ContractLimit truncates the fetched contracts when positive.
	// Meant for development runs.
	ContractLimit int

	ContractBatchSize int
	ItemBatchSize     int

	// PartitionConcurrency bounds concurrent region fetches. 1 is sequential.
	PartitionConcurrency int

	// ItemConcurrency bounds concurrent item fetches.
	ItemConcurrency int

	// ItemContractTypes lists the contract types whose items are fetched.
	ItemContractTypes []string

	// ReleaseTimeout bounds the lock release after the run.
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the production batch sizes and concurrency.
func DefaultConfig() Config {
	return Config{
		ContractBatchSize:    500,
		ItemBatchSize:        50,
		PartitionConcurrency: 1,
		ItemConcurrency:      4,
		ItemContractTypes:    []string{"item_exchange", "auction"},
		ReleaseTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ContractBatchSize <= 0 {
		c.ContractBatchSize = def.ContractBatchSize
	}
	if c.ItemBatchSize <= 0 {
		c.ItemBatchSize = def.ItemBatchSize
	}
	if c.PartitionConcurrency <= 0 {
		c.PartitionConcurrency = def.PartitionConcurrency
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = def.ItemConcurrency
	}
	if c.ItemContractTypes == nil {
		c.ItemContractTypes = def.ItemContractTypes
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = def.ReleaseTimeout
	}
	return c
}

// Result reports the outcome of one run.
type Result struct {
	RunID string

	// State is IDLE for a completed run, otherwise LOCK_DENIED or FAILED.
	State State

	// Trace lists the states the run passed through.
	Trace []State

	Contracts         int
	Items             int
	FailedPartitions  []int64
	FailedItemFetches int

	Err      error
	Duration time.Duration
}

// Aggregator runs ingestion passes.
type Aggregator struct {
	fetcher PageFetcher
	names   NameResolver
	lock    Locker
	writer  Writer
	config  Config
	logger  zerolog.Logger
	now     func() time.Time

	itemTypes map[string]bool

	mu    sync.Mutex
	state State
}

// New creates an aggregator. Zero config values take DefaultConfig values.
func New(fetcher PageFetcher, names NameResolver, lock Locker, writer Writer, config Config, logger zerolog.Logger) *Aggregator {
	config = config.withDefaults()

	itemTypes := make(map[string]bool, len(config.ItemContractTypes))
	for _, t := range config.ItemContractTypes {
		itemTypes[t] = true
	}

	return &Aggregator{
		fetcher:   fetcher,
		names:     names,
		lock:      lock,
		writer:    writer,
		config:    config,
		logger:    logging.Component(logger, "aggregator"),
		now:       time.Now,
		itemTypes: itemTypes,
		state:     StateIdle,
	}
}

// SetClock replaces the clock used for items_last_fetched_at.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// State returns the state of the run in progress, or IDLE.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Aggregator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// RunOnce executes one run. It is safe to call from a scheduler loop: it
// never panics and never returns an error.
func (a *Aggregator) RunOnce(ctx context.Context) (res Result) {
	started := time.Now()
	res.RunID = uuid.NewString()
	logger := a.logger.With().Str("run_id", res.RunID).Logger()

	defer func() {
		res.Duration = time.Since(started)
		a.setState(StateIdle)

		runsTotal.WithLabelValues(string(res.State)).Inc()
		runDuration.Observe(res.Duration.Seconds())
		if res.State == StateIdle {
			lastSuccess.SetToCurrentTime()
		}

		logger.Info().
			Str("state", string(res.State)).
			Int("contracts", res.Contracts).
			Int("items", res.Items).
			Int("failed_partitions", len(res.FailedPartitions)).
			Int("failed_item_fetches", res.FailedItemFetches).
			Dur("duration", res.Duration).
			Msg("Aggregation run finished")
	}()

	guard, err := a.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrAlreadyHeld) {
			logger.Info().Msg("Aggregation already running elsewhere, skipping run")
			res.State = StateLockDenied
		} else {
			logger.Error().Err(err).Msg("Failed to acquire run lock")
			res.State = StateFailed
			res.Err = err
		}
		res.Trace = append(res.Trace, res.State)
		return res
	}
	defer a.release(ctx, guard, logger)

	r := &run{Aggregator: a, logger: logger, res: &res}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in aggregation run")
			res.Err = fmt.Errorf("aggregation panicked: %v", p)
			r.transition(StateFailed)
		}
	}()

	r.transition(StateLocked)
	if err := r.execute(ctx); err != nil {
		logger.Error().Err(err).Str("failed_in", string(a.State())).Msg("Aggregation run failed")
		res.Err = err
		r.transition(StateFailed)
		return res
	}

	r.transition(StateIdle)
	return res
}

func (a *Aggregator) release(ctx context.Context, guard *runlock.Guard, logger zerolog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.ReleaseTimeout)
	defer cancel()

	released, err := guard.Release(releaseCtx)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to release run lock")
	case !released:
		logger.Warn().Msg("Run lock expired before release")
	default:
		logger.Info().Msg("Run lock released")
	}
}

// run carries the state of one RunOnce call.
type run struct {
	*Aggregator
	logger zerolog.Logger
	res    *Result
}

func (r *run) transition(s State) {
	r.res.State = s
	r.res.Trace = append(r.res.Trace, s)
	r.setState(s)
	r.logger.Debug().Str("state", string(s)).Msg("Run state changed")
}

func (r *run) execute(ctx context.Context) error {
	r.transition(StateFetching)
	contracts, err := r.fetchContracts(ctx)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		r.logger.Info().Msg("No contracts fetched, nothing to write")
		return nil
	}

	if limit := r.config.ContractLimit; limit > 0 && len(contracts) > limit {
		r.logger.Info().Int("fetched", len(contracts)).Int("limit", limit).Msg("Truncating contracts to limit")
		contracts = contracts[:limit]
	}

	r.transition(StateEnriching)
	r.enrichNames(ctx, contracts)

	r.transition(StateWriting)
	for i := range contracts {
		if r.itemTypes[contracts[i].Type] {
			contracts[i].ItemStatus = ItemsPending
		} else {
			contracts[i].ItemStatus = ItemsNone
		}
	}

	n, err := r.writeBatches(ctx, r.writer.Upsert, contractFieldsTable, contractRows(contracts), r.config.ContractBatchSize)
	r.res.Contracts = n
	if err != nil {
		return err
	}
	recordsWritten.WithLabelValues("contract").Add(float64(n))

	outcome, err := r.fetchItems(ctx, contracts)
	if err != nil {
		return err
	}

	itemRows := make([]store.Row, len(outcome.items))
	for i, item := range outcome.items {
		itemRows[i] = item.Row()
	}
	n, err = r.writeBatches(ctx, r.writer.Upsert, ContractItemsTable, itemRows, r.config.ItemBatchSize)
	r.res.Items = n
	if err != nil {
		return err
	}
	recordsWritten.WithLabelValues("item").Add(float64(n))

	updates := []struct {
		table     store.Table
		contracts []Contract
	}{
		{itemsFetchedTable, outcome.fetched},
		{itemsRevalidatedTable, outcome.revalidated},
		{itemsFailedTable, outcome.failed},
	}
	for _, u := range updates {
		if _, err := r.writeBatches(ctx, r.writer.Update, u.table, contractRows(u.contracts), r.config.ContractBatchSize); err != nil {
			return fmt.Errorf("write item status: %w", err)
		}
	}
	return nil
}

// goSafe runs fn in g and turns a panic into the group's error, so it
// reaches the run boundary instead of crashing the process.
func (r *run) goSafe(g *errgroup.Group, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Msg("Recovered panic in aggregation worker")
				err = fmt.Errorf("aggregation panicked: %v", p)
			}
		}()
		return fn()
	})
}

// fetchContracts pulls all regions. A region whose fetch fails is logged and
// skipped; records keep region order and page order.
func (r *run) fetchContracts(ctx context.Context) ([]Contract, error) {
	regions := r.config.RegionIDs
	perRegion := make([][]Contract, len(regions))
	failed := make([]bool, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.PartitionConcurrency)

	for i, region := range regions {
		r.goSafe(g, func() error {
			logger := r.logger.With().Int64("region_id", region).Logger()

			records, err := r.fetcher.Fetch(gctx, fmt.Sprintf(contractsPath, region), pagination.Options{
				AllPages:       true,
				IgnoreNotFound: true,
			})
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn().Err(err).Msg("Skipping region after fetch failure")
				failed[i] = true
				return nil
			}

			contracts := make([]Contract, 0, len(records))
			for _, raw := range records {
				c, err := decodeContract(raw, region)
				if err != nil {
					return fmt.Errorf("region %d: %w", region, err)
				}
				contracts = append(contracts, c)
			}
			perRegion[i] = contracts

			logger.Info().Int("contracts", len(contracts)).Msg("Fetched region contracts")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var out []Contract
	for i, contracts := range perRegion {
		if failed[i] {
			r.res.FailedPartitions = append(r.res.FailedPartitions, regions[i])
			partitionFailures.WithLabelValues(fmt.Sprint(regions[i])).Inc()
			continue
		}
		for _, c := range contracts {
			if seen[c.ContractID] {
				continue
			}
			seen[c.ContractID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *run) enrichNames(ctx context.Context, contracts []Contract) {
	ids := make([]int64, 0, 2*len(contracts))
	for _, c := range contracts {
		ids = append(ids, c.IssuerID, c.IssuerCorporationID)
	}

	names := r.names.Resolve(ctx, ids)
	for i := range contracts {
		if n, ok := names[contracts[i].IssuerID]; ok {
			name := n.Name
			contracts[i].IssuerName = &name
		}
		if n, ok := names[contracts[i].IssuerCorporationID]; ok {
			name := n.Name
			contracts[i].IssuerCorporationName = &name
		}
	}

	r.logger.Info().Int("ids", len(ids)).Int("resolved", len(names)).Msg("Resolved issuer names")
}

type itemFetch struct {
	items       []ContractItem
	etag        string
	notModified bool
	err         error
}

// itemOutcome groups the item-bearing contracts by how their item fetch
// ended.
type itemOutcome struct {
	fetched     []Contract
	revalidated []Contract
	failed      []Contract
	items       []ContractItem
}

// fetchItems fetches the items of every PENDING_ITEMS contract and sets the
// final item status on it.
func (r *run) fetchItems(ctx context.Context, contracts []Contract) (itemOutcome, error) {
	var outcome itemOutcome

	var pending []int
	for i, c := range contracts {
		if c.ItemStatus == ItemsPending {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return outcome, nil
	}

	results := make([]itemFetch, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.ItemConcurrency)

	for j, idx := range pending {
		contractID := contracts[idx].ContractID
		r.goSafe(g, func() error {
			page, err := r.fetcher.FetchPage(gctx, fmt.Sprintf(itemsPath, contractID), 1, pagination.Options{IgnoreNotFound: true})
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[j].err = err
				return nil
			}

			items := make([]ContractItem, 0, len(page.Records))
			for _, raw := range page.Records {
				item, err := decodeItem(raw, contractID)
				if err != nil {
					return err
				}
				items = append(items, item)
			}
			results[j] = itemFetch{items: items, etag: page.ETag, notModified: page.NotModified}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcome, err
	}

	fetchedAt := r.now().UTC()

	for j, idx := range pending {
		c := contracts[idx]
		result := results[j]

		if result.err != nil {
			r.logger.Warn().Err(result.err).Int64("contract_id", c.ContractID).Msg("Failed to fetch contract items")
			c.ItemStatus = ItemsFailed
			r.res.FailedItemFetches++
			itemFetchFailures.Inc()
			outcome.failed = append(outcome.failed, c)
			contracts[idx] = c
			continue
		}

		c.ItemStatus = ItemsFetched
		if result.etag != "" {
			etag := result.etag
			c.ETag = &etag
		}
		if result.notModified {
			outcome.revalidated = append(outcome.revalidated, c)
		} else {
			c.ItemsLastFetchedAt = &fetchedAt
			outcome.fetched = append(outcome.fetched, c)
		}
		outcome.items = append(outcome.items, result.items...)
		contracts[idx] = c
	}

	r.logger.Info().
		Int("contracts", len(pending)).
		Int("items", len(outcome.items)).
		Int("unchanged", len(outcome.revalidated)).
		Int("failed", r.res.FailedItemFetches).
		Msg("Fetched contract items")

	return outcome, nil
}

// writeFunc is Writer.Upsert or Writer.Update.
type writeFunc func(ctx context.Context, t store.Table, rows []store.Row) (int, error)

// writeBatches writes rows in batches, each in its own transaction.
// Batches committed before a failure stay committed.
func (r *run) writeBatches(ctx context.Context, write writeFunc, table store.Table, rows []store.Row, size int) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		batch := start/size + 1

		n, err := write(ctx, table, rows[start:end])
		if err != nil {
			return written, fmt.Errorf("write %s batch %d: %w", table.Name, batch, err)
		}
		written += n

		r.logger.Debug().Str("table", table.Name).Int("batch", batch).Int("rows", n).Msg("Batch written")
	}
	return written, nil
}

func contractRows(contracts []Contract) []store.Row {
	rows := make([]store.Row, len(contracts))
	for i, c := range contracts {
		rows[i] = c.Row()
	}
	return rows
}
