// Package wheelsproxy holds the domain types shared by the proxy's
// components: the catalog entities (Index, Package, Release, Platform,
// Build), the wheel metadata model, and the error taxonomy.
//
// The operational entry points live in the facade packages: libsync keeps
// the catalog in step with upstream indexes, libbuild produces and stores
// platform wheels, and libresolve compiles requirement sets into pinned
// lock files. The httptransport package exposes the installer-facing HTTP
// surface over those facades.
package wheelsproxy
