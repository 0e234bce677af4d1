// Package queue implements a lease-based, multi-tenant work queue over an
// abstract ordered record store.
//
// Records are claimed by workers through optimistic conditional writes, so the
// store's compare-and-set is the only coordination point between processes.
// A lease that expires is treated as an implicit failure and the record becomes
// claimable again; attempts grow by one on every claim and the retry policy
// retires a record to the dead-letter state once the budget is spent.
package queue

import (
	"fmt"
	"strings"
)

// Kind identifies a category of work; each kind maps to its own physical
// table or collection in the concrete stores.
type Kind string

const (
	KindOrderEvent            Kind = "order_event"
	KindMarketplaceOrderEvent Kind = "marketplace_order_event"
	KindFeedDocument          Kind = "feed_document"
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindOrderEvent, KindMarketplaceOrderEvent, KindFeedDocument}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOrderEvent, KindMarketplaceOrderEvent, KindFeedDocument:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Table returns the conventional table/collection name for the kind.
func (k Kind) Table() string {
	switch k {
	case KindOrderEvent:
		return "order_events"
	case KindMarketplaceOrderEvent:
		return "marketplace_order_events"
	case KindFeedDocument:
		return "feed_documents"
	default:
		return ""
	}
}

// ParseKind accepts the canonical names plus a few aliases used on the
// command line ("order", "marketplace", "feed").
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "order_event", "order", "order_events":
		return KindOrderEvent, nil
	case "marketplace_order_event", "marketplace", "marketplace_order_events", "amazon_order_event":
		return KindMarketplaceOrderEvent, nil
	case "feed_document", "feed", "feed_documents", "amazon_doc":
		return KindFeedDocument, nil
	default:
		return "", queueError(ErrValidation, fmt.Sprintf("unknown kind %q", raw))
	}
}
