// Package crawler holds the domain vocabulary shared by the pipeline: entities,
// their ledger and phase statuses, the phase order, slugs, URL helpers and the
// heuristic page classifier used during discovery.
package crawler
