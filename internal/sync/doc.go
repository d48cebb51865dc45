// Package sync implements the reconciliation engine between locally-edited
// Bases Adresses Locales and the national deposit registry.
//
// The engine has four moving parts. Manager.Exec is the single-record
// publish/resync decision: it re-derives everything from current local and
// remote state, which makes re-invoking it the only retry mechanism the
// system needs. The outdated detector flips synced records whose content
// advanced past their sync snapshot. The conflict detector polls the
// registry on a persisted watermark and relabels local records when an
// external actor published for the same commune. The sync-outdated batch
// drives Exec over stale records after a debounce window.
//
// Nothing here runs concurrently with anything else in the engine: all
// passes go through the serial task scheduler.
package sync
