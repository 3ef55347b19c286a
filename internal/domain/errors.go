package domain

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed exchange message")
	ErrSequenceGap      = errors.New("book diff sequence gap")
	ErrDuplicateOrderID = errors.New("duplicate client order id")
	ErrUnknownOrder     = errors.New("unknown client order id")
	ErrNotFound         = errors.New("not found")
	ErrPersistence      = errors.New("durable write failed")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrNotReady         = errors.New("order book not ready")
)
