// Package device holds the vocabulary shared by every layer of the BLE client:
// canonical identifiers, scan entries, connected-device handles, attribute
// references and the error taxonomy.
//
// This package provides:
//   - Identifier canonicalization (16-bit, 32-bit and 128-bit UUID forms)
//   - Device identity normalization
//   - Advertisement merging for repeated discovery events
//   - GATT service/characteristic snapshots and property flags
//   - Typed errors usable with errors.Is and errors.As
package device
