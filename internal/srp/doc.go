// Package srp implements the client side of the SRP-6a variant used by the
// API: little-endian 2048-bit integers, an expanded SHA-512 hash and bcrypt
// based password derivation. A matching server is provided for test doubles.
package srp
