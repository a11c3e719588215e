package util

import "crypto/md5"

const ChecksumSize = md5.Size

// Checksum returns the md5 digest of b.
func Checksum(b []byte) []byte {
	res := md5.Sum(b)
	return res[:]
}

// PutInt64 writes i into b[0:8] little endian.
func PutInt64(b []byte, i int64) {
	for j := 0; j < 8; j++ {
		b[j] = byte(i >> uint(j*8))
	}
}

func BytesToInt64(b []byte, i int) int64 {
	res := int64(0)
	for j := 0; j < 8; j++ {
		res |= int64(b[i+j]) << uint(j*8)
	}
	return res
}

// Clone returns a copy of b that does not alias it. nil stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
