// Package storage provides the content-addressed archive used for audit
// events and confirmed mint receipts.
//
// Content is identified by the SHA-256 hash of its bytes and kept in one
// namespace per kind (interfaces.NamespaceAuditEvents,
// interfaces.NamespaceMintReceipts). Backends are selected by URI:
//
//	file:///var/lib/identity/archive
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//	ipfs://ipfs.internal:5001/identity-archive?timeout=30s
//	vault://[TOKEN@]vault.internal:8200/secret/identity?tls=false
//
// Several locations combine into a MultiStorageBackend, which writes to every
// available backend and reads from the first that has the content.
//
// Archive writes are best effort: the audit package logs failures and never
// fails the operation that produced the event.
package storage
