// Package channels implements the multi-tenant channel registry.
//
// The registry is a pure in-memory structure: it defines named, scoped
// channels and decides whether a principal may access them. It performs no
// I/O and holds no connection state; the connection managers consult it for
// access checks.
package channels
