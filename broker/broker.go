package broker

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
)

// EventBroker fan-out of named messages to subscriptions addressed by any of
// the registry dimensions, with opportunistic expiry of silent subscribers.
type EventBroker interface {
	// Register accept a new subscription into the broker. The subscription
	// receives its on-connect frame before Register returns; the channel
	// join announcement follows asynchronously.
	Register(sub *Subscription) error
	// NotifyAll publish to every live subscription
	NotifyAll(selector string, payload interface{})
	// NotifyChannel publish to every subscription on a channel
	NotifyChannel(channel, selector string, payload interface{})
	// NotifyUserID publish to every subscription of a user ID
	NotifyUserID(userID, selector string, payload interface{}, channelFilter *string)
	// NotifyUserName publish to every subscription of a user name
	NotifyUserName(userName, selector string, payload interface{}, channelFilter *string)
	// NotifySession publish to every subscription of a session
	NotifySession(sessionID, selector string, payload interface{}, channelFilter *string)
	// NotifySubscription publish to one subscription by ID
	NotifySubscription(id, selector string, payload interface{}, channelFilter *string)
	// Pulse mark a subscription alive. Unknown IDs are a silent no-op.
	Pulse(id string)
	// GetSubscription locate a subscription by ID, nil when unknown
	GetSubscription(id string) *Subscription
	// Snapshot collect the Meta of live subscriptions, optionally filtered by channel
	Snapshot(channel string) []map[string]string
	// ReapStale unsubscribe every subscription whose last pulse is older
	// than the timeout, without waiting for a publish to find it
	ReapStale() error
	// StartReaper run ReapStale on a fixed period until Stop
	StartReaper(interval time.Duration) error
	// Stop dispose all live subscriptions and halt background loops
	Stop()
}

// BrokerParams parameters for defining an event broker
type BrokerParams struct {
	// Timeout max age of a subscription's last pulse before it is stale
	Timeout time.Duration
	// HeartbeatInterval heartbeat period advertised to clients
	HeartbeatInterval time.Duration
	// HeartbeatPath end-point path clients ping, advertised to clients
	HeartbeatPath string
	// NotifyChannelOfSubscriptions whether join / leave announcements are broadcast
	NotifyChannelOfSubscriptions bool
	// OnSubscribe external hook invoked inside Register. An error fails Register.
	OnSubscribe SubscriberHook
	// OnUnsubscribe external hook invoked during teardown. Errors are logged.
	OnUnsubscribe SubscriberHook
}

// onConnectMessage payload of the first frame on a new subscription stream
type onConnectMessage struct {
	ID                  string `json:"id"`
	HeartbeatURL        string `json:"heartbeatUrl"`
	HeartbeatIntervalMS int64  `json:"heartbeatIntervalMs"`
	UserID              string `json:"userId"`
	DisplayName         string `json:"displayName"`
	ProfileURL          string `json:"profileUrl"`
}

// eventBrokerImpl implements EventBroker
type eventBrokerImpl struct {
	common.Component
	registry            *SubscriptionRegistry
	timeout             time.Duration
	heartbeatInterval   time.Duration
	heartbeatPath       string
	notifySubscriptions bool
	onSubscribe         SubscriberHook
	onUnsubscribe       SubscriberHook
	announcer           common.TaskProcessor
	reaper              common.IntervalTimer
}

// GetEventBroker define a new event broker
func GetEventBroker(
	params BrokerParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (EventBroker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "event-broker",
	}
	registry, err := GetSubscriptionRegistry()
	if err != nil {
		return nil, err
	}
	announcer, err := common.GetNewTaskProcessorInstance("announcer", 64, rootCtxt)
	if err != nil {
		return nil, err
	}
	reaper, err := common.GetIntervalTimerInstance("reaper", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance := eventBrokerImpl{
		Component:           common.Component{LogTags: logTags},
		registry:            registry,
		timeout:             params.Timeout,
		heartbeatInterval:   params.HeartbeatInterval,
		heartbeatPath:       params.HeartbeatPath,
		notifySubscriptions: params.NotifyChannelOfSubscriptions,
		onSubscribe:         params.OnSubscribe,
		onUnsubscribe:       params.OnUnsubscribe,
		announcer:           announcer,
		reaper:              reaper,
	}
	// Add announcement handlers
	if err := announcer.AddToTaskExecutionMap(
		reflect.TypeOf(announceJoinReq{}), instance.processJoinAnnouncement,
	); err != nil {
		return nil, err
	}
	if err := announcer.AddToTaskExecutionMap(
		reflect.TypeOf(announceLeaveReq{}), instance.processLeaveAnnouncement,
	); err != nil {
		return nil, err
	}
	if err := announcer.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------
// Registration

// Register accept a new subscription into the broker
func (b *eventBrokerImpl) Register(sub *Subscription) error {
	sub.regMu.Lock()
	sub.setOnUnsubscribe(b.handleUnregister)
	b.registry.RegisterSubscription(sub)
	if b.onSubscribe != nil {
		if err := b.onSubscribe(sub); err != nil {
			sub.regMu.Unlock()
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"OnSubscribe hook rejected subscription %s", sub.ID,
			)
			return err
		}
	}
	sub.regMu.Unlock()

	// The on-connect frame is published before the join announcement is
	// submitted to the announcer loop, so it always precedes this
	// subscription's own join frame. The subscription is already in the
	// indices here; a publish to its keys running concurrently with Register
	// can reach it before the on-connect frame.
	sub.Publish(SelectorOnConnect, onConnectMessage{
		ID:                  sub.ID,
		HeartbeatURL:        fmt.Sprintf("%s?from=%s", b.heartbeatPath, sub.ID),
		HeartbeatIntervalMS: b.heartbeatInterval.Milliseconds(),
		UserID:              sub.UserID,
		DisplayName:         sub.DisplayName,
		ProfileURL:          sub.Meta["profileUrl"],
	})

	if b.notifySubscriptions && sub.Channel != "" {
		if err := b.announcer.Submit(announceJoinReq{sub: sub}, context.Background()); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to announce subscription %s joining %s", sub.ID, sub.Channel,
			)
		}
	}
	return nil
}

// handleUnregister detach a subscription from every index and dispose it.
// Installed as the subscription's unsubscribe callback; the callback slot is
// already cleared when this runs, so a recursive unsubscribe during dispose
// is a no-op.
func (b *eventBrokerImpl) handleUnregister(sub *Subscription) {
	sub.regMu.Lock()
	b.registry.UnregisterSubscription(sub)
	if b.onUnsubscribe != nil {
		if err := b.onUnsubscribe(sub); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"OnUnsubscribe hook failed for subscription %s", sub.ID,
			)
		}
	}
	sub.Dispose()
	sub.regMu.Unlock()

	if b.notifySubscriptions && sub.Channel != "" {
		// TrySubmit here: teardown can run inside the announcer loop itself
		// when a broadcast finds stale subscribers, and a blocking submit
		// would wedge the loop against its own buffer.
		if err := b.announcer.TrySubmit(announceLeaveReq{sub: sub}); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to announce subscription %s leaving %s", sub.ID, sub.Channel,
			)
		}
	}
}

// ----------------------------------------------------------------------------------------
// Join / leave announcements

type announceJoinReq struct {
	sub *Subscription
}

type announceLeaveReq struct {
	sub *Subscription
}

func (b *eventBrokerImpl) processJoinAnnouncement(param interface{}) error {
	request, ok := param.(announceJoinReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for join announcement", reflect.TypeOf(param),
		)
	}
	b.NotifyChannel(request.sub.Channel, SelectorOnJoin, request.sub.Meta)
	return nil
}

func (b *eventBrokerImpl) processLeaveAnnouncement(param interface{}) error {
	request, ok := param.(announceLeaveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for leave announcement", reflect.TypeOf(param),
		)
	}
	b.NotifyChannel(request.sub.Channel, SelectorOnLeave, request.sub.Meta)
	return nil
}

// ----------------------------------------------------------------------------------------
// Fan-out

// notify publish to every subscription under key which passes the channel
// filter. A stale subscription still receives this frame, then is
// unsubscribed once the traversal completes.
func (b *eventBrokerImpl) notify(
	index *sync.Map, key, selector string, payload interface{}, channelFilter *string,
) {
	arr := loadSlots(index, key)
	if arr == nil {
		return
	}
	var expired []*Subscription
	now := time.Now()
	for i := range arr.slots {
		sub := arr.slots[i].Load()
		if sub == nil {
			continue
		}
		if channelFilter != nil && sub.Channel != *channelFilter {
			continue
		}
		if now.Sub(sub.LastPulseAt()) > b.timeout {
			expired = append(expired, sub)
		}
		sub.Publish(selector, payload)
	}
	for _, sub := range expired {
		log.WithFields(b.LogTags).Infof(
			"Reaping subscription %s. Last pulse %s",
			sub.ID, sub.LastPulseAt().Format(time.RFC3339),
		)
		sub.Unsubscribe()
	}
}

// NotifyAll publish to every live subscription
func (b *eventBrokerImpl) NotifyAll(selector string, payload interface{}) {
	b.registry.BySubID.Range(func(_, v interface{}) bool {
		arr := v.(*subscriberSlots)
		for i := range arr.slots {
			if sub := arr.slots[i].Load(); sub != nil {
				sub.Publish(selector, payload)
			}
		}
		return true
	})
}

// NotifyChannel publish to every subscription on a channel. The channel name
// is matched literally; the UnknownChannel bucket is not a wildcard.
func (b *eventBrokerImpl) NotifyChannel(channel, selector string, payload interface{}) {
	b.notify(&b.registry.ByChannel, channel, selector, payload, nil)
}

// NotifyUserID publish to every subscription of a user ID
func (b *eventBrokerImpl) NotifyUserID(
	userID, selector string, payload interface{}, channelFilter *string,
) {
	b.notify(&b.registry.ByUserID, userID, selector, payload, channelFilter)
}

// NotifyUserName publish to every subscription of a user name
func (b *eventBrokerImpl) NotifyUserName(
	userName, selector string, payload interface{}, channelFilter *string,
) {
	b.notify(&b.registry.ByUserName, userName, selector, payload, channelFilter)
}

// NotifySession publish to every subscription of a session
func (b *eventBrokerImpl) NotifySession(
	sessionID, selector string, payload interface{}, channelFilter *string,
) {
	b.notify(&b.registry.BySession, sessionID, selector, payload, channelFilter)
}

// NotifySubscription publish to one subscription by ID
func (b *eventBrokerImpl) NotifySubscription(
	id, selector string, payload interface{}, channelFilter *string,
) {
	b.notify(&b.registry.BySubID, id, selector, payload, channelFilter)
}

// ----------------------------------------------------------------------------------------
// Liveness

// Pulse mark a subscription alive
func (b *eventBrokerImpl) Pulse(id string) {
	if sub := b.registry.GetSubscription(id); sub != nil {
		sub.Pulse()
	}
}

// GetSubscription locate a subscription by ID
func (b *eventBrokerImpl) GetSubscription(id string) *Subscription {
	return b.registry.GetSubscription(id)
}

// Snapshot collect the Meta of live subscriptions
func (b *eventBrokerImpl) Snapshot(channel string) []map[string]string {
	return b.registry.Snapshot(channel)
}

// ReapStale unsubscribe every stale subscription
func (b *eventBrokerImpl) ReapStale() error {
	var stale []*Subscription
	now := time.Now()
	b.registry.BySubID.Range(func(_, v interface{}) bool {
		arr := v.(*subscriberSlots)
		for i := range arr.slots {
			sub := arr.slots[i].Load()
			if sub != nil && now.Sub(sub.LastPulseAt()) > b.timeout {
				stale = append(stale, sub)
			}
		}
		return true
	})
	for _, sub := range stale {
		log.WithFields(b.LogTags).Infof(
			"Reaping subscription %s. Last pulse %s",
			sub.ID, sub.LastPulseAt().Format(time.RFC3339),
		)
		sub.Unsubscribe()
	}
	return nil
}

// StartReaper run ReapStale on a fixed period
func (b *eventBrokerImpl) StartReaper(interval time.Duration) error {
	return b.reaper.Start(interval, b.ReapStale, false)
}

// Stop dispose all live subscriptions and halt background loops
func (b *eventBrokerImpl) Stop() {
	var live []*Subscription
	b.registry.BySubID.Range(func(_, v interface{}) bool {
		arr := v.(*subscriberSlots)
		for i := range arr.slots {
			if sub := arr.slots[i].Load(); sub != nil {
				live = append(live, sub)
			}
		}
		return true
	})
	for _, sub := range live {
		sub.Unsubscribe()
	}
	_ = b.reaper.Stop()
	_ = b.announcer.StopEventLoop()
}
