// Automated moderation for chat communities: escalating sanctions with rehabilitation.
//
// Messages are run through a phrase-table classifier (`automod/classifier`) which assigns a severity tier and
// category. Each matched violation is recorded on a per-(community, user) ledger (`automod/ledger`), where it
// accrues weight for its tier. The escalation policy (`automod/policy`) compares the tier weight against
// configured thresholds to decide on a warn, timeout, kick, or ban, which the sanction coordinator
// (`automod/engine`) records and applies through an actuator (`automod/actuator`). Audit events go to a notifier
// (`automod/notify`).
//
// Weights decay exponentially over time (`automod/decay`), so behavior improves a standing; violations in
// permanent categories never decay. Timeouts are lifted when they expire (`automod/sweep`). All writers to a
// ledger go through the same per-key exclusive section (`automod/keylock`).
//
// See `cmd/warden` for a daemon built on this package.
package automod
