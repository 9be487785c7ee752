// Package webhook ingests asynchronous review callbacks from the verification
// provider.
//
// A delivery is handled in this order:
//
//  1. verify the HMAC signature header; a failure is audited and nothing else
//     happens
//  2. parse the JSON body
//  3. claim the payload digest in the Deduplicator; a repeat is acknowledged
//  4. map the review fields to a decision and hand it to lifecycle.Coordinator
//
// A delivery that fails after the claim releases it, so the provider's retry
// is processed. Every accepted delivery is acknowledged as "processed",
// whether or not it changed the record.
package webhook
