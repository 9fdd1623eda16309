// Package core defines the shared types and interfaces of the glimpse
// render-proxy: cache store drivers, rendering engine contracts, and the
// sentinel errors callers use to classify failures.
package core
