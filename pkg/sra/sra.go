// Package sra implements the optional SRA CRC (spec §4.7, ETG.5120): a
// CRC-32 an integrator may prepend to application parameters before they
// are handed to the slave's verify_parameters callback. The core never
// embeds this CRC into the protocol itself — it is part of the opaque
// application-parameter blob.
//
// The CRC-32 here is the standard IEEE polynomial, computed with the
// standard library's hash/crc32: no example in the reference corpus pulls
// in a third-party CRC-32 implementation (the corpus's own CRC needs are
// all CRC-16, covered by internal/crc), and hash/crc32.IEEETable is
// bit-for-bit the polynomial ETG.5120 specifies, so a dependency would
// only rewrap a stdlib table.
package sra

import "hash/crc32"

// Update folds data into a running CRC-32 accumulator, matching the
// update_sra_crc(crc_inout, data, size) primitive from the spec.
func Update(crcInOut uint32, data []byte) uint32 {
	return crc32.Update(crcInOut, crc32.IEEETable, data)
}

// Compute returns the SRA CRC of data starting from a zero accumulator.
func Compute(data []byte) uint32 {
	return Update(0, data)
}
