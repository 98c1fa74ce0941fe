package broker

import (
	"sync"
	"sync/atomic"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
)

const (
	// UnknownChannel channel bucket for subscriptions which did not name one.
	// A literal key like any other, not a wildcard.
	UnknownChannel = "*"

	defaultSlotArraySize      = 2
	slotArrayGrowthMultiplier = 2
	slotArrayGrowthBuffer     = 20
)

// subscriberSlots grow-only array of subscription slots under one index key.
// Publishers traverse the slots without locking; slot claims and clears
// re-check under mu. A retired array has been superseded by a grown copy and
// must no longer be mutated.
type subscriberSlots struct {
	mu      sync.Mutex
	retired bool
	slots   []atomic.Pointer[Subscription]
}

func newSubscriberSlots(size int) *subscriberSlots {
	return &subscriberSlots{slots: make([]atomic.Pointer[Subscription], size)}
}

// claim place sub in the first empty slot. Returns false if the array is full
// or retired; a retired array requires the caller to re-read the index.
func (a *subscriberSlots) claim(sub *Subscription) (placed bool, valid bool) {
	for i := range a.slots {
		if a.slots[i].Load() != nil {
			continue
		}
		a.mu.Lock()
		if a.retired {
			a.mu.Unlock()
			return false, false
		}
		if a.slots[i].Load() == nil {
			a.slots[i].Store(sub)
			a.mu.Unlock()
			return true, true
		}
		a.mu.Unlock()
	}
	return false, true
}

// retireAndGrow build the replacement array: existing slots copied, sub
// claimed in the first slot past the copied region. The receiver is marked
// retired so no claim or clear lands on it after the copy. Returns nil if
// another writer already retired the array.
func (a *subscriberSlots) retireAndGrow(sub *Subscription) *subscriberSlots {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retired {
		return nil
	}
	a.retired = true
	grown := newSubscriberSlots(
		len(a.slots)*slotArrayGrowthMultiplier + slotArrayGrowthBuffer,
	)
	for i := range a.slots {
		grown.slots[i].Store(a.slots[i].Load())
	}
	grown.slots[len(a.slots)].Store(sub)
	return grown
}

// clear null the slot holding sub. Returns false if the array is retired and
// the caller must re-read the index. A missing sub is not an error.
func (a *subscriberSlots) clear(sub *Subscription) bool {
	for i := range a.slots {
		if a.slots[i].Load() != sub {
			continue
		}
		a.mu.Lock()
		if a.retired {
			a.mu.Unlock()
			return false
		}
		if a.slots[i].Load() == sub {
			a.slots[i].Store(nil)
		}
		a.mu.Unlock()
		return true
	}
	return true
}

// ========================================================================================

// SubscriptionRegistry indexes live subscriptions along the five addressing
// dimensions. Each index maps a string key to a grow-only subscriber slot
// array; a subscription is either present in every index keyed by its
// non-empty identity fields, or in none.
type SubscriptionRegistry struct {
	common.Component
	// BySubID index keyed by subscription ID
	BySubID sync.Map
	// ByChannel index keyed by channel name
	ByChannel sync.Map
	// ByUserID index keyed by user ID
	ByUserID sync.Map
	// ByUserName index keyed by user name
	ByUserName sync.Map
	// BySession index keyed by session ID
	BySession sync.Map
}

// GetSubscriptionRegistry define a new subscription registry
func GetSubscriptionRegistry() (*SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "broker", "component": "registry",
	}
	return &SubscriptionRegistry{Component: common.Component{LogTags: logTags}}, nil
}

// register insert sub under key. Skipped when key is empty.
func (r *SubscriptionRegistry) register(sub *Subscription, key string, index *sync.Map) {
	if key == "" {
		return
	}
	for {
		existing, ok := index.Load(key)
		if !ok {
			fresh := newSubscriberSlots(defaultSlotArraySize)
			fresh.slots[0].Store(sub)
			if _, loaded := index.LoadOrStore(key, fresh); !loaded {
				return
			}
			continue
		}
		current := existing.(*subscriberSlots)
		placed, valid := current.claim(sub)
		if placed {
			return
		}
		if !valid {
			// Array retired under us; re-read the index
			continue
		}
		grown := current.retireAndGrow(sub)
		if grown == nil {
			continue
		}
		// Install the grown array only if no other writer got there first.
		// The new subscription is already placed, so readers of the new
		// array never observe it partially populated.
		if index.CompareAndSwap(key, current, grown) {
			return
		}
	}
}

// unregister null the slot holding sub under key. Skipped when key is empty.
// A missing key or missing reference is not an error.
func (r *SubscriptionRegistry) unregister(sub *Subscription, key string, index *sync.Map) {
	if key == "" {
		return
	}
	for {
		existing, ok := index.Load(key)
		if !ok {
			return
		}
		if existing.(*subscriberSlots).clear(sub) {
			return
		}
	}
}

// RegisterSubscription insert the subscription into all indices
func (r *SubscriptionRegistry) RegisterSubscription(sub *Subscription) {
	r.register(sub, sub.ID, &r.BySubID)
	r.register(sub, sub.Channel, &r.ByChannel)
	r.register(sub, sub.UserID, &r.ByUserID)
	r.register(sub, sub.UserName, &r.ByUserName)
	r.register(sub, sub.SessionID, &r.BySession)
	log.WithFields(r.LogTags).Debugf(
		"Registered subscription %s on channel %s", sub.ID, sub.Channel,
	)
}

// UnregisterSubscription remove the subscription from all indices
func (r *SubscriptionRegistry) UnregisterSubscription(sub *Subscription) {
	r.unregister(sub, sub.ID, &r.BySubID)
	r.unregister(sub, sub.Channel, &r.ByChannel)
	r.unregister(sub, sub.UserID, &r.ByUserID)
	r.unregister(sub, sub.UserName, &r.ByUserName)
	r.unregister(sub, sub.SessionID, &r.BySession)
	log.WithFields(r.LogTags).Debugf(
		"Unregistered subscription %s from channel %s", sub.ID, sub.Channel,
	)
}

// loadSlots fetch the slot array under key, nil on miss
func loadSlots(index *sync.Map, key string) *subscriberSlots {
	v, ok := index.Load(key)
	if !ok {
		return nil
	}
	return v.(*subscriberSlots)
}

// GetSubscription locate a subscription by ID. Administrative path; scans the
// flattened ID index rather than assuming key layout.
func (r *SubscriptionRegistry) GetSubscription(id string) *Subscription {
	var found *Subscription
	r.BySubID.Range(func(_, v interface{}) bool {
		arr := v.(*subscriberSlots)
		for i := range arr.slots {
			sub := arr.slots[i].Load()
			if sub != nil && sub.ID == id {
				found = sub
				return false
			}
		}
		return true
	})
	return found
}

// Snapshot collect the Meta of every live subscription, optionally filtered
// by channel equality. Empty channel matches all.
func (r *SubscriptionRegistry) Snapshot(channel string) []map[string]string {
	result := []map[string]string{}
	r.BySubID.Range(func(_, v interface{}) bool {
		arr := v.(*subscriberSlots)
		for i := range arr.slots {
			sub := arr.slots[i].Load()
			if sub == nil {
				continue
			}
			if channel != "" && sub.Channel != channel {
				continue
			}
			result = append(result, sub.Meta)
		}
		return true
	})
	return result
}
