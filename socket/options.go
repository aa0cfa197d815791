package socket

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Option keys accepted by ParseOptions.
const (
	KeyKeepAlive          = "keepAlive"
	KeyKeepAliveTime      = "keepAliveTime"
	KeyKeepAliveTolerance = "keepAliveTolerance"
	KeyMaintainFrequency  = "maintainFrequency"
	KeyRevealClients      = "revealClients"
)

// Error types
var (
	// ErrUnknownOption is returned for option keys the socket does not know.
	ErrUnknownOption = errors.New("socket: unknown option")
	// ErrInvalidOption is returned for option values of the wrong type or range.
	ErrInvalidOption = errors.New("socket: invalid option")
)

// Options tune leases, sweeps and what responses reveal. Durations are whole
// seconds.
type Options struct {
	// KeepAlive enables lease expiry. Without it every registered client is
	// considered online until it disconnects.
	KeepAlive bool `json:"keepAlive" yaml:"keepAlive"`
	// KeepAliveTime is how long clients wait between polls.
	KeepAliveTime int64 `json:"keepAliveTime" yaml:"keepAliveTime"`
	// KeepAliveTolerance is the grace added to each lease.
	KeepAliveTolerance int64 `json:"keepAliveTolerance" yaml:"keepAliveTolerance"`
	// MaintainFrequency is the minimum time between sweeps.
	MaintainFrequency int64 `json:"maintainFrequency" yaml:"maintainFrequency"`
	// RevealClients includes presence and broadcast deltas in poll responses.
	RevealClients bool `json:"revealClients" yaml:"revealClients"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		KeepAlive:          true,
		KeepAliveTime:      1,
		KeepAliveTolerance: 10,
		MaintainFrequency:  20,
		RevealClients:      true,
	}
}

// Validate checks value ranges.
func (o Options) Validate() error {
	for key, v := range map[string]int64{
		KeyKeepAliveTime:      o.KeepAliveTime,
		KeyKeepAliveTolerance: o.KeepAliveTolerance,
		KeyMaintainFrequency:  o.MaintainFrequency,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, key)
		}
	}
	return nil
}

// lease is the lease length granted on every successful request.
func (o Options) lease() int64 {
	return o.KeepAliveTime + o.KeepAliveTolerance
}

// logTTL keeps log entries at least as long as a live client can go between
// polls.
func (o Options) logTTL() int64 {
	return max(o.MaintainFrequency, o.lease())
}

// ParseOptions overlays a decoded options document on DefaultOptions. Keys
// outside the fixed set and values of the wrong type are errors.
func ParseOptions(m map[string]any) (Options, error) {
	o := DefaultOptions()

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		var err error
		switch k {
		case KeyKeepAlive:
			o.KeepAlive, err = parseBool(k, v)
		case KeyRevealClients:
			o.RevealClients, err = parseBool(k, v)
		case KeyKeepAliveTime:
			o.KeepAliveTime, err = parseSeconds(k, v)
		case KeyKeepAliveTolerance:
			o.KeepAliveTolerance, err = parseSeconds(k, v)
		case KeyMaintainFrequency:
			o.MaintainFrequency, err = parseSeconds(k, v)
		default:
			return Options{}, fmt.Errorf("%w: %q", ErrUnknownOption, k)
		}
		if err != nil {
			return Options{}, err
		}
	}
	return o, o.Validate()
}

func parseBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidOption, key, v)
	}
	return b, nil
}

func parseSeconds(key string, v any) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s out of range", ErrInvalidOption, key)
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("%w: %s must be a whole number of seconds", ErrInvalidOption, key)
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidOption, key, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, key)
	}
	return n, nil
}
