// Package reconcile runs background checks of mints whose outcome was
// ambiguous.
//
// When a mint confirmation times out, minter.Orchestrator asks the Enqueuer
// to schedule a "mint:reconcile" task for the identity and transaction. The
// Worker calls Orchestrator.Reconcile when the task runs and lets asynq retry
// it, up to DefaultMaxRetry times, while the transaction is still pending.
//
// Without Redis there is no background reconciliation; Mint and the
// reconcile endpoint still resolve pending mints on demand.
package reconcile
