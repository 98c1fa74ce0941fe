package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
)

// EventStream is the write side of one client's subscription stream. For HTTP
// this wraps the response writer and its flusher. A write or flush failure
// indicates the client is gone.
type EventStream interface {
	io.Writer
	// Flush push buffered frames out to the client
	Flush() error
}

// SubscriptionParams parameters for defining a new Subscription
type SubscriptionParams struct {
	// ID unique opaque token identifying the subscription
	ID string
	// Channel the channel the subscription belongs to. Empty is recorded
	// as the literal UnknownChannel bucket.
	Channel string
	// UserID ID of the user behind the subscription
	UserID string
	// UserName name of the user behind the subscription
	UserName string
	// SessionID ID of the HTTP session behind the subscription
	SessionID string
	// DisplayName human friendly name shown to other subscribers
	DisplayName string
	// IsAuthenticated whether the subscription belongs to an authenticated session
	IsAuthenticated bool
	// Meta free-form metadata shared with other subscribers
	Meta map[string]string
}

// Subscription one live client subscription stream
type Subscription struct {
	common.Component
	// ID unique opaque token identifying the subscription
	ID string
	// Channel the channel the subscription belongs to
	Channel string
	// UserID ID of the user behind the subscription
	UserID string
	// UserName name of the user behind the subscription
	UserName string
	// SessionID ID of the HTTP session behind the subscription
	SessionID string
	// DisplayName human friendly name shown to other subscribers
	DisplayName string
	// IsAuthenticated whether the subscription belongs to an authenticated session
	IsAuthenticated bool
	// CreatedAt when the subscription stream was opened
	CreatedAt time.Time
	// Meta free-form metadata shared with other subscribers
	Meta map[string]string

	stream    EventStream
	msgID     uint64
	lastPulse int64

	// writeMu serializes frame writes and stream close
	writeMu sync.Mutex
	closed  bool

	cbMu          sync.Mutex
	onUnsubscribe func(*Subscription)
	onDispose     func()

	// regMu is the subscription's registration monitor. The broker holds it
	// across index insertion and removal so the subscription is observable
	// only as present in all indices or absent from all.
	regMu sync.Mutex
}

// NewSubscription define a new subscription bound to an event stream.
// onDispose fires exactly once when the subscription is torn down.
func NewSubscription(
	params SubscriptionParams, stream EventStream, onDispose func(),
) *Subscription {
	logTags := log.Fields{
		"module":    "broker",
		"component": "subscription",
		"instance":  params.ID,
	}
	channel := params.Channel
	if channel == "" {
		channel = UnknownChannel
	}
	meta := params.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	now := time.Now()
	return &Subscription{
		Component:       common.Component{LogTags: logTags},
		ID:              params.ID,
		Channel:         channel,
		UserID:          params.UserID,
		UserName:        params.UserName,
		SessionID:       params.SessionID,
		DisplayName:     params.DisplayName,
		IsAuthenticated: params.IsAuthenticated,
		CreatedAt:       now,
		Meta:            meta,
		stream:          stream,
		lastPulse:       now.UnixNano(),
		onDispose:       onDispose,
	}
}

// LastPulseAt when the subscription last reported alive
func (s *Subscription) LastPulseAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastPulse))
}

// Pulse mark the subscription alive now
func (s *Subscription) Pulse() {
	now := time.Now().UnixNano()
	for {
		prev := atomic.LoadInt64(&s.lastPulse)
		if now <= prev || atomic.CompareAndSwapInt64(&s.lastPulse, prev, now) {
			return
		}
	}
}

// Publish frame one message onto the subscription stream.
//
// The frame carries a per-subscription strictly increasing message ID, and a
// single data line holding the selector and the JSON serialized payload. A
// transport failure is not returned to the caller; the subscription
// unsubscribes itself instead.
func (s *Subscription) Publish(selector string, payload interface{}) {
	serialized := ""
	if payload != nil {
		t, err := json.Marshal(payload)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to serialize %s payload", selector,
			)
			return
		}
		serialized = string(t)
	}
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}
	// Assigned under the write lock so IDs reach the stream in order
	id := atomic.AddUint64(&s.msgID, 1)
	_, err := fmt.Fprintf(s.stream, "id: %d\ndata: %s %s\n\n", id, selector, serialized)
	if err == nil {
		err = s.stream.Flush()
	}
	s.writeMu.Unlock()

	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Infof(
			"Lost client while publishing %s", selector,
		)
		s.Unsubscribe()
	}
}

// Unsubscribe detach the subscription from the broker. Safe to call multiple
// times and from concurrent publishers; only the first call reaches the
// registry. Must not block on stream I/O.
func (s *Subscription) Unsubscribe() {
	s.cbMu.Lock()
	cb := s.onUnsubscribe
	s.onUnsubscribe = nil
	s.cbMu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// setOnUnsubscribe install the registry detach callback
func (s *Subscription) setOnUnsubscribe(cb func(*Subscription)) {
	s.cbMu.Lock()
	s.onUnsubscribe = cb
	s.cbMu.Unlock()
}

// Dispose close the subscription stream and signal the stream owner. After
// Dispose returns no further frame is written on the stream.
func (s *Subscription) Dispose() {
	s.cbMu.Lock()
	s.onUnsubscribe = nil
	s.cbMu.Unlock()

	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}
	s.closed = true
	if closer, ok := s.stream.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to close stream")
		}
	}
	s.writeMu.Unlock()

	if s.onDispose != nil {
		s.onDispose()
	}
	log.WithFields(s.LogTags).Debug("Disposed")
}
