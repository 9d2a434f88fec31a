// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package voxelcodec implements the little-endian f64 wire
// encoding shared by chunk production (server) and chunk
// decoding plus min/max scanning (client).
package voxelcodec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat64LE appends the little-endian encoding of src
// to dst and returns the extended slice.
func EncodeFloat64LE(dst []byte, src []float64) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, len(src)*8)...)
	for i, v := range src {
		binary.LittleEndian.PutUint64(dst[off+i*8:], math.Float64bits(v))
	}
	return dst
}

// DecodeFloat64LE decodes raw into dst, which must have
// exactly len(raw)/8 elements.
func DecodeFloat64LE(raw []byte, dst []float64) error {
	if len(raw)%8 != 0 {
		return fmt.Errorf("voxelcodec: raw length %d is not a multiple of 8", len(raw))
	}
	if len(raw)/8 != len(dst) {
		return fmt.Errorf("voxelcodec: dst has %d elements, raw implies %d", len(dst), len(raw)/8)
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return nil
}

// MinMax performs a single pass over raw (interpreted as
// little-endian f64) and returns the minimum and maximum
// values, seeded from element 0. ok is false when raw is
// empty (zero chunk length), per the spec's "both undefined"
// edge case.
func MinMax(raw []byte) (min, max float64, ok bool) {
	if len(raw) == 0 || len(raw)%8 != 0 {
		return 0, 0, false
	}
	min = math.Float64frombits(binary.LittleEndian.Uint64(raw[0:8]))
	max = min
	for off := 8; off < len(raw); off += 8 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(raw[off : off+8]))
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, true
}
