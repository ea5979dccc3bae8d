// Package domain defines the core domain types and collaborator interfaces.
//
// This package contains concept-oriented files (tenant.go, session.go,
// socket.go, blobstore.go) with shared types and cross-cutting interfaces.
// No implementation code - just contracts. Prevents circular imports by
// keeping interfaces on the consumer side.
package domain
