// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
//  1. Redistributions of source code must retain the above copyright
//     notice, this list of conditions and the following disclaimer
//     in this position and unchanged.
//  2. Redistributions in binary form must reproduce the above copyright
//     notice, this list of conditions and the following disclaimer in the
//     documentation and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE AUTHOR(S) ``AS IS'' AND ANY EXPRESS OR
// IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES
// OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED.
// IN NO EVENT SHALL THE AUTHOR(S) BE LIABLE FOR ANY DIRECT, INDIRECT,
// INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT
// NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF
// THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package wire

import "fmt"

// BitsWrite copies length bits from src (starting at srcBitOffset) into dst
// (starting at dstBitOffset), without disturbing any bit of dst outside
// [dstBitOffset, dstBitOffset+length). Offsets are absolute bit positions
// from the start of the slice (byte*8 + sub-byte-offset), so a field's
// byte offset and its sub-byte bit offset can be folded into one call.
func BitsWrite(dst []byte, dstBitOffset int, src []byte, srcBitOffset, length int) error {
	if length < 0 {
		return fmt.Errorf("wire: negative bit length")
	}
	if dstBitOffset < 0 || srcBitOffset < 0 {
		return fmt.Errorf("wire: negative bit offset")
	}
	if dstBitOffset+length > 8*len(dst) {
		return fmt.Errorf("wire: dst too small for %d bits at offset %d", length, dstBitOffset)
	}
	if srcBitOffset+length > 8*len(src) {
		return fmt.Errorf("wire: src too small for %d bits at offset %d", length, srcBitOffset)
	}

	for i := 0; i < length; i++ {
		srcByte := (srcBitOffset + i) / 8
		srcBit := 7 - (srcBitOffset+i)%8
		bit := (src[srcByte] >> uint(srcBit)) & 1

		dstByte := (dstBitOffset + i) / 8
		dstBit := 7 - (dstBitOffset+i)%8

		if bit == 1 {
			dst[dstByte] |= 1 << uint(dstBit)
		} else {
			dst[dstByte] &^= 1 << uint(dstBit)
		}
	}
	return nil
}

// BitsExtract reads length bits from src starting at the absolute bit
// offset bitOffset, returning them right-aligned (low bits) in a uint64.
// It is the mirror of BitsWrite and is lossless for aligned and misaligned
// ranges up to 64 bits.
func BitsExtract(src []byte, bitOffset, length int) (uint64, error) {
	if length < 0 || length > 64 {
		return 0, fmt.Errorf("wire: bit length %d out of range [0,64]", length)
	}
	if bitOffset < 0 {
		return 0, fmt.Errorf("wire: negative bit offset")
	}
	if bitOffset+length > 8*len(src) {
		return 0, fmt.Errorf("wire: src too small for %d bits at offset %d", length, bitOffset)
	}

	var value uint64
	for i := 0; i < length; i++ {
		byteIdx := (bitOffset + i) / 8
		bitIdx := 7 - (bitOffset+i)%8
		bit := (src[byteIdx] >> uint(bitIdx)) & 1
		value = (value << 1) | uint64(bit)
	}
	return value, nil
}
