// Automod component holding per-account violation ledgers: accumulated severity weight, sanction history, and the permanent flag.
//
// Includes the domain types shared by the rest of the moderation engine, a Store interface, and implementations using redis, SQL (via gorm), and in-process memory.
//
// Stores never take locks on behalf of callers. Read-modify-write of a ledger is expected to happen inside the per-key exclusive section (see the keylock package); Save additionally does a version compare-and-swap so that a writer which slipped past the section cannot overwrite newer data.
package ledger
