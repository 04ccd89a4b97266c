// Package ustr implements the file-name type shared by the filesystem and
// dentry layers. This kernel's filesystem is a flat root with no path
// components, so only name comparison and conversion survive here.
package ustr

import "golang.org/x/text/unicode/norm"

// Ustr represents an immutable file name used by the kernel.
type Ustr []uint8

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Normalize returns the Unicode NFC normal form of a name so that two
// byte-distinct but canonically-equivalent names collide in the flat
// directory block instead of silently aliasing.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// NormalizedEq compares two names after NFC normalization, used when
// resolving a lookup name against an on-disk dentry filename.
func (us Ustr) NormalizedEq(s Ustr) bool {
	return Normalize(us.String()) == Normalize(s.String())
}
