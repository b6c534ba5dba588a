// Command contract-ingest ingests public contracts from ESI into a
// relational store.
package main

import "github.com/Sternrassler/esi-contract-ingest/cmd/contract-ingest/cmd"

func main() {
	cmd.Execute()
}
