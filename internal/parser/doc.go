// Package parser turns an on-disk run package into a Manifest.
//
// Parsing strategies are selected by name at startup from a Registry. New
// layouts are added by implementing Parser and registering it; callers never
// branch on the concrete type.
//
// A parser distinguishes two failure modes. ErrNotReady means the package is
// still being staged (missing readiness marker, checksums not yet matching)
// and should be looked at again next tick without noise. ErrParse means the
// package is malformed and needs an operator.
package parser
