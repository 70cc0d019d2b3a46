// Package dnswire encodes single-question DNS queries and decodes the answer
// section of replies carried over DNS-over-HTTPS.
//
// Only TXT/IN and A/IN answers are surfaced. Other record types are skipped.
// Decoding failures return ErrParse; RCODE failures return ErrResponse or
// ErrNXDomain so callers can tell a broken resolver from an authoritative
// negative answer.
package dnswire
