package dnswire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	TypeA   uint16 = 1
	TypeTXT uint16 = 16
	ClassIN uint16 = 1

	headerLen     = 12
	recordFixed   = 10
	maxLabelLen   = 63
	maxNameLen    = 255
	maxJumps      = 64
	queryFlags    = 0x0120
	rcodeNXDOMAIN = 3
)

var (
	ErrParse     = errors.New("dnswire: malformed reply")
	ErrResponse  = errors.New("dnswire: response error")
	ErrNXDomain  = fmt.Errorf("%w: no alternative routing exists for this domain (NXDOMAIN)", ErrResponse)
	ErrBadName   = errors.New("dnswire: invalid query name")
	hostnamePart = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

// Answer is one decoded answer record.
type Answer struct {
	TTL  uint32
	Type uint16
	// Host is set for TXT records.
	Host string
	// Addr is set for A records.
	Addr netip.Addr
}

// Value returns the printable payload of the answer.
func (a Answer) Value() string {
	if a.Type == TypeA {
		return a.Addr.String()
	}
	return a.Host
}

// EncodeName encodes a dotted name as length-prefixed labels with the zero terminator.
func EncodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadName)
	}
	out := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > maxLabelLen {
			return nil, fmt.Errorf("%w: label %q", ErrBadName, label)
		}
		for i := 0; i < len(label); i++ {
			if label[i] > 0x7f {
				return nil, fmt.Errorf("%w: non-ascii label %q", ErrBadName, label)
			}
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	if len(out) > maxNameLen {
		return nil, fmt.Errorf("%w: too long", ErrBadName)
	}
	return out, nil
}

// BuildQuery returns a recursion-desired query with a random transaction id.
func BuildQuery(name string, qtype, qclass uint16) ([]byte, error) {
	encoded, err := EncodeName(name)
	if err != nil {
		return nil, err
	}
	return BuildRawQuery(encoded, qtype, qclass), nil
}

// BuildRawQuery wraps an already encoded QNAME.
func BuildRawQuery(encodedName []byte, qtype, qclass uint16) []byte {
	msg := make([]byte, headerLen, headerLen+len(encodedName)+4)
	binary.BigEndian.PutUint16(msg[0:], uint16(rand.UintN(1<<16)))
	binary.BigEndian.PutUint16(msg[2:], queryFlags)
	binary.BigEndian.PutUint16(msg[4:], 1)
	msg = append(msg, encodedName...)
	msg = binary.BigEndian.AppendUint16(msg, qtype)
	msg = binary.BigEndian.AppendUint16(msg, qclass)
	return msg
}

// Parse decodes the answer section of reply.
func Parse(reply []byte) ([]Answer, error) {
	if len(reply) < headerLen {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrParse, len(reply))
	}
	switch rcode := reply[3] & 0x0f; rcode {
	case 0:
	case rcodeNXDOMAIN:
		return nil, ErrNXDomain
	default:
		return nil, fmt.Errorf("%w: rcode %d", ErrResponse, rcode)
	}

	qdcount := int(binary.BigEndian.Uint16(reply[4:]))
	ancount := int(binary.BigEndian.Uint16(reply[6:]))

	offset := headerLen
	for i := 0; i < qdcount; i++ {
		n, _, err := readName(reply, offset)
		if err != nil {
			return nil, err
		}
		offset += n + 4
		if offset > len(reply) {
			return nil, fmt.Errorf("%w: truncated question", ErrParse)
		}
	}

	answers := make([]Answer, 0, ancount)
	for i := 0; i < ancount; i++ {
		n, name, err := readName(reply, offset)
		if err != nil {
			return nil, err
		}
		offset += n
		if offset+recordFixed > len(reply) {
			return nil, fmt.Errorf("%w: truncated record headers", ErrParse)
		}
		rtype := binary.BigEndian.Uint16(reply[offset:])
		rclass := binary.BigEndian.Uint16(reply[offset+2:])
		ttl := binary.BigEndian.Uint32(reply[offset+4:])
		rdlen := int(binary.BigEndian.Uint16(reply[offset+8:]))
		offset += recordFixed
		if offset+rdlen > len(reply) {
			return nil, fmt.Errorf("%w: truncated record data", ErrParse)
		}
		rdata := reply[offset : offset+rdlen]
		offset += rdlen

		switch {
		case rtype == TypeTXT && rclass == ClassIN:
			host, err := decodeTXTHost(rdata)
			if err != nil {
				return nil, err
			}
			answers = append(answers, Answer{TTL: ttl, Type: TypeTXT, Host: host})
		case rtype == TypeA && rclass == ClassIN:
			if len(rdata) != 4 {
				return nil, fmt.Errorf("%w: A record of %d bytes", ErrParse, len(rdata))
			}
			answers = append(answers, Answer{TTL: ttl, Type: TypeA, Addr: netip.AddrFrom4([4]byte(rdata))})
		default:
			log.Debug().Str("name", name).Uint16("type", rtype).Msg("dnswire: skipping unsupported record")
		}
	}
	return answers, nil
}

func decodeTXTHost(rdata []byte) (string, error) {
	if len(rdata) == 0 {
		return "", fmt.Errorf("%w: empty TXT record", ErrParse)
	}
	if int(rdata[0]) != len(rdata)-1 {
		return "", fmt.Errorf("%w: TXT length prefix does not match record data", ErrParse)
	}
	raw := rdata[1:]
	for _, b := range raw {
		if b > 0x7f {
			return "", fmt.Errorf("%w: non-ascii TXT record", ErrParse)
		}
	}
	host := string(raw)
	if !ValidHostname(host) {
		return "", fmt.Errorf("%w: invalid hostname in TXT record: %q", ErrParse, host)
	}
	return host, nil
}

// readName returns the bytes consumed at offset and the dotted name.
// A compression pointer consumes exactly 2 bytes and ends the count.
func readName(msg []byte, offset int) (int, string, error) {
	consumed := 0
	jumped := false
	jumps := 0
	var labels []string
	for {
		if offset >= len(msg) {
			return 0, "", fmt.Errorf("%w: name runs past end of message", ErrParse)
		}
		length := int(msg[offset])
		if length == 0 {
			if !jumped {
				consumed++
			}
			break
		}
		switch length & 0xc0 {
		case 0xc0:
			if offset+1 >= len(msg) {
				return 0, "", fmt.Errorf("%w: truncated compression pointer", ErrParse)
			}
			jumps++
			if jumps > maxJumps {
				return 0, "", fmt.Errorf("%w: compression pointer loop", ErrParse)
			}
			if !jumped {
				consumed += 2
			}
			jumped = true
			offset = int(binary.BigEndian.Uint16(msg[offset:]) & 0x3fff)
		case 0x00:
			end := offset + 1 + length
			if end > len(msg) {
				return 0, "", fmt.Errorf("%w: label runs past end of message", ErrParse)
			}
			labels = append(labels, string(msg[offset+1:end]))
			if !jumped {
				consumed += length + 1
			}
			offset = end
		default:
			return 0, "", fmt.Errorf("%w: unsupported label type 0x%02x", ErrParse, length)
		}
	}
	return consumed, strings.Join(labels, "."), nil
}

// ValidHostname reports whether host is a bare hostname with an optional trailing dot.
func ValidHostname(host string) bool {
	if host == "" || len(host) > maxNameLen {
		return false
	}
	host = strings.TrimSuffix(host, ".")
	for _, part := range strings.Split(host, ".") {
		if !hostnamePart.MatchString(part) {
			return false
		}
	}
	return true
}
