//go:build !appengine
// +build !appengine

// Package bytes converts between strings and byte slices without copying.
package bytes

import "unsafe"

// StringToBytes returns the bytes of s without copying them. The result
// must not be modified.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// BytesToString returns b as a string without copying it. b must not be
// modified while the string is in use.
//
// Used for command-name lookups and packet string fields read straight from
// a frame buffer.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
