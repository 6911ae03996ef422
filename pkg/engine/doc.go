// Package engine provides the resource graph transfer engine of xfer.
//
// # Overview
//
// The engine moves a graph of related records from one system to another.
// Export walks every record reachable from a set of roots through the
// configured relations and flattens it into an Envelope. Import reads an
// Envelope back, verifies it and persists every record inside a single
// transaction, resolving collisions with records that already exist.
//
// The workflow is:
//
//  1. Register - Declare record types, relations and conflict policies (Registry)
//  2. Walk - Discover the graph reachable from the roots (export and import pools)
//  3. Verify - Reject cycles among hard dependencies before anything is written
//  4. Serialize - Produce the flat Envelope and its file set (Export)
//  5. Persist - Save records in dependency order inside one transaction (Import)
//  6. Relocate - Move payload files in and out of the staging area (Relocator)
//
// # Records and Accessors
//
// The engine never touches records directly. Everything it needs is asked
// through the Accessor interface: field values, relation targets, identities,
// inserts, updates and transactions. The stores package ships a SQLite
// Accessor; tests use in-memory ones.
//
// # Relations
//
// A relation is to_one, to_many or to_custom. A hard (rely-on) relation
// points at records that must be persisted before the record holding it; a
// soft relation is attached once both ends exist. to_one relations are hard
// by default, every other kind is soft. to_custom values are opaque and are
// never traversed.
//
// # Envelope
//
// An Envelope holds three maps keyed by decimal strings assigned in
// discovery order:
//
//	root:  ["1"]
//	index: {"1": {"owner": "2", "tags": ["3", "4"]}}
//	data:  {"1": {"_index": {"type": "project", "key": "1"}, "name": "demo"}}
//
// # Conflict Resolution
//
// On import every draft is checked against existing records through its
// external key (resource_id by default) and handled by the policy of its type:
//
//   - raise: abort the import, nothing is persisted
//   - replace: keep the existing record and point relations at it
//   - cover: copy the draft fields onto the existing record
//   - ignore: insert the draft regardless
//
// replace and cover compare the configured consistency fields and record a
// warning on mismatch. Warnings never fail an import.
//
// # Error Classification
//
// Errors are EngineError values classified as configuration, structural,
// conflict, consistency, asset or storage errors. Consistency and asset
// errors are warnings; IsFatal reports every other class.
package engine
