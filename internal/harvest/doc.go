// Package harvest holds the shared domain types and collaborator interfaces
// for the listing harvester core: work items, chunk jobs, per-item outcomes,
// and the external URL-discovery, extraction, and persistence contracts.
package harvest
