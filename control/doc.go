// File: control/doc.go
// License: Apache-2.0
//
// Package control is the operational layer around the runtime: YAML
// configuration applied to bootstraps, a config store whose reloads retune
// live channels, prometheus metrics fed by the executor and channel
// observers, and named debug probes.
package control
