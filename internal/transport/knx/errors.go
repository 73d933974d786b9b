package knx

import (
	"errors"

	"github.com/nerrad567/homegate/internal/fault"
)

// Domain errors for the knx driver.
var (
	// ErrInvalidGroupAddress is returned when a target is not a 3-level
	// group address.
	ErrInvalidGroupAddress = fault.New("knx: invalid group address", fault.ErrInvalidArgument)

	// ErrInvalidPayload is returned for group writes without data.
	ErrInvalidPayload = fault.New("knx: empty group write", fault.ErrInvalidArgument)

	// ErrHandshake is returned when knxd does not accept EIB_OPEN_GROUPCON.
	ErrHandshake = errors.New("knx: knxd handshake failed")

	// ErrInvalidTelegram is returned when a received frame is malformed.
	ErrInvalidTelegram = errors.New("knx: invalid telegram")

	// ErrProtocolDesync is returned when a frame is larger than any valid
	// knxd message; the stream can no longer be trusted.
	ErrProtocolDesync = errors.New("knx: protocol desync")
)
