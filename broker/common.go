package broker

import (
	"fmt"
	"sync/atomic"
)

// Selectors the broker emits on its own. Every other selector passes through
// the broker opaque.
const (
	// SelectorOnConnect first frame on a new subscription stream
	SelectorOnConnect = "cmd.onConnect"
	// SelectorOnJoin channel announcement of a new subscription
	SelectorOnJoin = "cmd.onJoin"
	// SelectorOnLeave channel announcement of a departing subscription
	SelectorOnLeave = "cmd.onLeave"
)

// SubscriberHook external observation point invoked as subscriptions come and go
type SubscriberHook func(sub *Subscription) error

var anonymousUserCount uint64

// NextAnonymousUser allocate identity values for a client without an
// authenticated session. The "-<n>" / "User<n>" encoding is part of the
// on-connect contract with clients.
func NextAnonymousUser() (userID string, displayName string) {
	n := atomic.AddUint64(&anonymousUserCount, 1)
	return fmt.Sprintf("-%d", n), fmt.Sprintf("User%d", n)
}
