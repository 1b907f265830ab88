package gateway

import "strings"

// OrderStatus is the normalised broker order status
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Open reports whether the order is still working at the broker
func (s OrderStatus) Open() bool {
	switch s {
	case StatusNew, StatusPartiallyFilled, StatusPendingCancel:
		return true
	}
	return false
}

// NormalizeStatus maps the many spellings brokers use onto OrderStatus
func NormalizeStatus(raw string) OrderStatus {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "STATUS")
	s = strings.ReplaceAll(s, "_", "")
	switch s {
	case "NEW", "NOTREPORTED", "WAITTONEW", "PENDINGREPLACE", "WAITTOREPLACE", "SUBMITTED", "ACCEPTED", "REPLACED":
		return StatusNew
	case "PARTIALFILLED", "PARTIALLYFILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "PENDINGCANCEL", "WAITTOCANCEL":
		return StatusPendingCancel
	case "CANCELED", "CANCELLED":
		return StatusCancelled
	case "REJECTED", "FAILED":
		return StatusRejected
	case "EXPIRED":
		return StatusExpired
	}
	return StatusUnknown
}
