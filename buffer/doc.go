// File: buffer/doc.go
// License: Apache-2.0
//
// Package buffer provides reference-counted byte buffers and the allocators
// that create them. Pooled storage is grouped in power-of-two size classes and
// goes back to its class when the last reference is released.
package buffer
