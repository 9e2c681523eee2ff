package config

import "errors"

var (
	ErrNodeIDRequired        = errors.New("node ID is required")
	ErrBindAddrRequired      = errors.New("bind address is required")
	ErrInvalidAdvertiseAddr  = errors.New("advertise address must be host:port")
	ErrInvalidCapacity       = errors.New("max concurrent tasks must be positive")
	ErrInvalidInterval       = errors.New("intervals must be positive")
	ErrInvalidLivenessWindow = errors.New("dead-after must exceed suspect-after")
	ErrInvalidElectionWindow = errors.New("election timeout max must not be below min")
)
