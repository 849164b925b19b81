// Package domain defines the core business types of the gateway dispatch core.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP transport, expression engine)
// - Immutable once deployed: a redefinition produces new instances
// - Testable in isolation without mocks
//
// Other packages (flow, security, engine, storage) consume these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
