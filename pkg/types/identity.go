// pkg/types/identity.go
package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Broadcast is the wildcard destination meaning every node in the overlay.
const Broadcast Identity = "ALL"

// legacyBroadcast is the older spelling of the wildcard still accepted on
// receipt.
const legacyBroadcast = "TODOS"

// reservedChars may not appear inside an identity because the wire format
// uses them as delimiters.
const reservedChars = ";,|= \t\r\n"

var ErrInvalidIdentity = errors.New("invalid identity")

// Identity names a node by the host:port it listens on.
type Identity string

// ParseIdentity normalizes s into an Identity. The host is lower-cased and
// the port must be a decimal number in 1-65535. The wildcard spellings map
// to Broadcast.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, string(Broadcast)) || strings.EqualFold(s, legacyBroadcast) {
		return Broadcast, nil
	}
	if strings.ContainsAny(s, reservedChars) {
		return "", fmt.Errorf("%w: %q contains a reserved character", ErrInvalidIdentity, s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidIdentity, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidIdentity, portStr)
	}

	return Identity(net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))), nil
}

// MustParseIdentity is ParseIdentity for constants and tests.
func MustParseIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsBroadcast reports whether id is the wildcard destination.
func (id Identity) IsBroadcast() bool {
	return id == Broadcast || id == legacyBroadcast
}

// Valid reports whether id can be placed on the wire.
func (id Identity) Valid() bool {
	return id != "" && !strings.ContainsAny(string(id), reservedChars)
}

// Addr returns the dialable address of the node.
func (id Identity) Addr() string {
	return string(id)
}

func (id Identity) String() string {
	return string(id)
}

// Contains reports whether ids holds id.
func Contains(ids []Identity, id Identity) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
