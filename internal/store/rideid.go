package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Origin tells which identifier space a RideID belongs to
type Origin uint8

const (
	// Local ids are minted by this store and were never acknowledged remotely
	Local Origin = iota + 1
	// Remote ids were assigned by the backend
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "invalid"
	}
}

func parseOrigin(s string) (Origin, error) {
	switch s {
	case "local":
		return Local, nil
	case "remote":
		return Remote, nil
	}
	return 0, fmt.Errorf("unknown ride origin %q", s)
}

var errInvalidRideID = errors.New("invalid ride id")

// RideID is a tagged ride identifier. On the JSON wire local ids are written
// as negative integers so they keep the shape of backend ids.
type RideID struct {
	Origin Origin
	N      uint64
}

// LocalID returns the local identifier n
func LocalID(n uint64) RideID { return RideID{Origin: Local, N: n} }

// RemoteID returns the backend identifier n
func RemoteID(n uint64) RideID { return RideID{Origin: Remote, N: n} }

func (id RideID) IsLocal() bool  { return id.Origin == Local }
func (id RideID) IsRemote() bool { return id.Origin == Remote }
func (id RideID) IsZero() bool   { return id.Origin == 0 }

// Wire returns the integer form used in API payloads and paths
func (id RideID) Wire() (int64, error) {
	if id.N == 0 || id.N > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s", errInvalidRideID, id)
	}
	switch id.Origin {
	case Local:
		return -int64(id.N), nil
	case Remote:
		return int64(id.N), nil
	}
	return 0, fmt.Errorf("%w: %s", errInvalidRideID, id)
}

func (id RideID) String() string {
	return id.Origin.String() + ":" + strconv.FormatUint(id.N, 10)
}

// FromWire converts an API integer id to a RideID. Zero is rejected.
func FromWire(v int64) (RideID, error) {
	switch {
	case v > 0:
		return RemoteID(uint64(v)), nil
	case v < 0:
		return LocalID(uint64(-(v + 1)) + 1), nil
	}
	return RideID{}, fmt.Errorf("%w: 0", errInvalidRideID)
}

// ParseRideID parses the decimal wire form of an id
func ParseRideID(s string) (RideID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return RideID{}, fmt.Errorf("%w: %q", errInvalidRideID, s)
	}
	return FromWire(v)
}

func (id RideID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	v, err := id.Wire()
	if err != nil {
		return nil, err
	}
	return strconv.AppendInt(nil, v, 10), nil
}

func (id *RideID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = RideID{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %s", errInvalidRideID, data)
	}
	parsed, err := FromWire(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
