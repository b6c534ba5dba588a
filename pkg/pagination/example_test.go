package pagination_test

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/internal/testutil"
	"github.com/Sternrassler/esi-contract-ingest/pkg/cache"
	"github.com/Sternrassler/esi-contract-ingest/pkg/client"
	"github.com/Sternrassler/esi-contract-ingest/pkg/pagination"
)

// Walk every page of a region's public contracts, then walk it again: the
// second pass revalidates each page with its cached ETag and replays the
// cached records.
func ExampleFetcher_Fetch() {
	esi := testutil.NewMockESI()
	defer esi.Close()
	esi.SetPages("/v1/contracts/public/10000002/",
		`[{"contract_id":1},{"contract_id":2}]`,
		`[{"contract_id":3}]`,
	)

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := client.DefaultConfig("contract-ingest-example/1.0 (ops@example.com)")
	cfg.BaseURL = esi.URL()
	esiClient, err := client.New(cfg, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	defer esiClient.Close()

	fetcher := pagination.NewFetcher(esiClient, cache.NewManager(rdb, zerolog.Nop()), pagination.Config{}, zerolog.Nop())
	ctx := context.Background()

	records, err := fetcher.Fetch(ctx, "/v1/contracts/public/10000002/", pagination.Options{AllPages: true})
	if err != nil {
		panic(err)
	}
	fmt.Println("first pass:", len(records), "records")

	records, err = fetcher.Fetch(ctx, "/v1/contracts/public/10000002/", pagination.Options{AllPages: true})
	if err != nil {
		panic(err)
	}
	fmt.Println("second pass:", len(records), "records,", esi.ConditionalCount(), "revalidated")
	// Output:
	// first pass: 3 records
	// second pass: 3 records, 2 revalidated
}
