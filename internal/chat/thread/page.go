package thread

// Order controls listing direction for threads and items.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// NormalizeOrder maps arbitrary input to a valid order, defaulting to asc.
func NormalizeOrder(raw string) Order {
	switch Order(raw) {
	case OrderDesc:
		return OrderDesc
	default:
		return OrderAsc
	}
}

// Page is one cursor-paginated slice of results. After is the identity key of
// the last element and is opaque to callers; empty means the range is
// exhausted.
type Page[T any] struct {
	Data    []T    `json:"data"`
	HasMore bool   `json:"has_more"`
	After   string `json:"after,omitempty"`
}

// EmptyPage returns a page whose Data field is non-nil, so it serializes as
// an empty JSON array rather than null.
func EmptyPage[T any]() *Page[T] {
	return &Page[T]{Data: []T{}}
}
