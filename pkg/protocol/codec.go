package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/busybox42/floodmesh/pkg/types"
)

const (
	fieldSep = ";"
	pathSep  = ","
	grantSep = "|"
	grantKV  = "="

	fieldCount = 7
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Encode renders e as a single line without the trailing newline.
func Encode(e *Envelope) (string, error) {
	if err := checkIdentity("origin", e.Origin); err != nil {
		return "", err
	}
	if err := checkIdentity("destination", e.Destination); err != nil {
		return "", err
	}

	var keyField string
	if e.Destination.IsBroadcast() {
		grants := make([]string, 0, len(e.Grants))
		for _, g := range e.Grants {
			if err := checkIdentity("grant recipient", g.Recipient); err != nil {
				return "", err
			}
			grants = append(grants, string(g.Recipient)+grantKV+hex.EncodeToString(g.Key))
		}
		keyField = strings.Join(grants, grantSep)
	} else {
		keyField = hex.EncodeToString(e.WrappedKey)
	}

	path := make([]string, 0, len(e.Path))
	for _, hop := range e.Path {
		if err := checkIdentity("path entry", hop); err != nil {
			return "", err
		}
		path = append(path, string(hop))
	}

	return strings.Join([]string{
		string(e.Origin),
		string(e.Destination),
		keyField,
		hex.EncodeToString(e.IV),
		hex.EncodeToString(e.Ciphertext),
		hex.EncodeToString(e.Signature),
		strings.Join(path, pathSep),
	}, fieldSep), nil
}

// Decode parses one wire line. Every failure wraps ErrMalformedEnvelope.
func Decode(line string) (*Envelope, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, fieldSep)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedEnvelope, fieldCount, len(fields))
	}

	e := &Envelope{
		Origin:      types.Identity(fields[0]),
		Destination: types.Identity(fields[1]),
	}
	if err := checkIdentity("origin", e.Origin); err != nil {
		return nil, err
	}
	if err := checkIdentity("destination", e.Destination); err != nil {
		return nil, err
	}

	var err error
	if e.Destination.IsBroadcast() {
		if e.Grants, err = decodeGrants(fields[2]); err != nil {
			return nil, err
		}
	} else if e.WrappedKey, err = decodeHex("wrapped key", fields[2]); err != nil {
		return nil, err
	}
	if e.IV, err = decodeHex("iv", fields[3]); err != nil {
		return nil, err
	}
	if e.Ciphertext, err = decodeHex("ciphertext", fields[4]); err != nil {
		return nil, err
	}
	if e.Signature, err = decodeHex("signature", fields[5]); err != nil {
		return nil, err
	}
	if e.Path, err = decodePath(fields[6]); err != nil {
		return nil, err
	}

	return e, nil
}

func decodeGrants(field string) ([]Grant, error) {
	if field == "" {
		return nil, nil
	}
	parts := strings.Split(field, grantSep)
	grants := make([]Grant, 0, len(parts))
	for _, part := range parts {
		recipient, keyHex, ok := strings.Cut(part, grantKV)
		if !ok {
			return nil, fmt.Errorf("%w: grant %q has no key", ErrMalformedEnvelope, part)
		}
		id := types.Identity(recipient)
		if err := checkIdentity("grant recipient", id); err != nil {
			return nil, err
		}
		key, err := decodeHex("grant key", keyHex)
		if err != nil {
			return nil, err
		}
		grants = append(grants, Grant{Recipient: id, Key: key})
	}
	return grants, nil
}

func decodePath(field string) ([]types.Identity, error) {
	if field == "" {
		return []types.Identity{}, nil
	}
	parts := strings.Split(field, pathSep)
	path := make([]types.Identity, 0, len(parts))
	for _, part := range parts {
		hop := types.Identity(part)
		if err := checkIdentity("path entry", hop); err != nil {
			return nil, err
		}
		if types.Contains(path, hop) {
			return nil, fmt.Errorf("%w: %s appears twice in path", ErrMalformedEnvelope, hop)
		}
		path = append(path, hop)
	}
	return path, nil
}

func decodeHex(name, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, name, err)
	}
	return b, nil
}

func checkIdentity(name string, id types.Identity) error {
	if !id.Valid() {
		return fmt.Errorf("%w: bad %s %q", ErrMalformedEnvelope, name, id)
	}
	return nil
}
