package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// notifyStream captureStream which also signals frame arrival
type notifyStream struct {
	captureStream
	arrivals chan string
}

func newNotifyStream() *notifyStream {
	return &notifyStream{arrivals: make(chan string, 16)}
}

func (s *notifyStream) Write(p []byte) (int, error) {
	n, err := s.captureStream.Write(p)
	if err == nil {
		select {
		case s.arrivals <- string(p):
		default:
		}
	}
	return n, err
}

func waitForFrame(stream *notifyStream, timeout time.Duration) (string, bool) {
	select {
	case frame := <-stream.arrivals:
		return frame, true
	case <-time.After(timeout):
		return "", false
	}
}

func getUnitTestBroker(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	timeout time.Duration,
	notifySubscriptions bool,
) EventBroker {
	uut, err := GetEventBroker(BrokerParams{
		Timeout:                      timeout,
		HeartbeatInterval:            time.Second * 10,
		HeartbeatPath:                "/event-heartbeat",
		NotifyChannelOfSubscriptions: notifySubscriptions,
	}, ctxt, wg)
	assert.Nil(t, err)
	return uut
}

func brokerTestSub(channel string, stream EventStream) *Subscription {
	id := uuid.New().String()
	return NewSubscription(SubscriptionParams{
		ID:        id,
		Channel:   channel,
		UserID:    fmt.Sprintf("user-%s", id),
		UserName:  fmt.Sprintf("name-%s", id),
		SessionID: fmt.Sprintf("session-%s", id),
		Meta:      map[string]string{"userId": fmt.Sprintf("user-%s", id)},
	}, stream, nil)
}

func TestBrokerBasicFanout(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, false)
	defer uut.Stop()

	streamA := newNotifyStream()
	streamB := newNotifyStream()
	streamC := newNotifyStream()
	subA := brokerTestSub("home", streamA)
	subB := brokerTestSub("home", streamB)
	subC := brokerTestSub("work", streamC)
	assert.Nil(uut.Register(subA))
	assert.Nil(uut.Register(subB))
	assert.Nil(uut.Register(subC))

	// Case 0: every stream opens with the on-connect frame
	for _, stream := range []*notifyStream{streamA, streamB, streamC} {
		frames := stream.getFrames()
		assert.Len(frames, 1)
		assert.True(strings.HasPrefix(frames[0], "id: 1\ndata: cmd.onConnect "))
	}

	// Case 1: channel fan-out reaches exactly the channel members
	type payload struct {
		T string `json:"t"`
	}
	uut.NotifyChannel("home", "chat.msg", payload{T: "hi"})
	for _, stream := range []*notifyStream{streamA, streamB} {
		frames := stream.getFrames()
		assert.Len(frames, 2)
		assert.Equal("id: 2\ndata: chat.msg {\"t\":\"hi\"}\n\n", frames[1])
	}
	assert.Len(streamC.getFrames(), 1)

	// Case 2: fan-out to an unknown channel is a no-op
	uut.NotifyChannel("elsewhere", "chat.msg", payload{T: "lost"})
	assert.Len(streamA.getFrames(), 2)

	// Case 3: notify all reaches every subscription
	uut.NotifyAll("trigger.refresh", nil)
	for _, stream := range []*notifyStream{streamA, streamB} {
		assert.Len(stream.getFrames(), 3)
	}
	assert.Len(streamC.getFrames(), 2)
}

func TestBrokerOnConnectThenOnJoin(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, true)
	defer uut.Stop()

	streamA := newNotifyStream()
	subA := brokerTestSub("home", streamA)
	assert.Nil(uut.Register(subA))

	// First frame is on-connect, second the subscription's own join
	frame, ok := waitForFrame(streamA, time.Second)
	assert.True(ok)
	assert.True(strings.HasPrefix(frame, "id: 1\ndata: cmd.onConnect "))
	frame, ok = waitForFrame(streamA, time.Second)
	assert.True(ok)
	assert.True(strings.HasPrefix(frame, "id: 2\ndata: cmd.onJoin "))
	assert.Contains(frame, subA.UserID)

	// A second member joining is announced to both
	streamB := newNotifyStream()
	subB := brokerTestSub("home", streamB)
	assert.Nil(uut.Register(subB))

	frame, ok = waitForFrame(streamA, time.Second)
	assert.True(ok)
	assert.Contains(frame, "cmd.onJoin")
	assert.Contains(frame, subB.UserID)
	frame, ok = waitForFrame(streamB, time.Second)
	assert.True(ok)
	assert.True(strings.HasPrefix(frame, "id: 1\ndata: cmd.onConnect "))
	frame, ok = waitForFrame(streamB, time.Second)
	assert.True(ok)
	assert.True(strings.HasPrefix(frame, "id: 2\ndata: cmd.onJoin "))

	// Departure is announced to the remaining member
	subB.Unsubscribe()
	frame, ok = waitForFrame(streamA, time.Second)
	assert.True(ok)
	assert.Contains(frame, "cmd.onLeave")
	assert.Contains(frame, subB.UserID)
}

func TestBrokerHeartbeatKeepsAlive(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Millisecond*100, false)
	defer uut.Stop()

	streamA := newNotifyStream()
	subA := brokerTestSub("home", streamA)
	assert.Nil(uut.Register(subA))

	// Pulse well inside the timeout while publishing
	published := 0
	for itr := 0; itr < 10; itr++ {
		uut.Pulse(subA.ID)
		time.Sleep(time.Millisecond * 20)
		if itr%2 == 1 {
			uut.NotifyChannel("home", "chat.msg", map[string]string{"t": "tick"})
			published++
		}
	}

	// All publishes arrived and the subscription survived
	assert.Len(streamA.getFrames(), published+1)
	assert.Equal(subA, uut.GetSubscription(subA.ID))
}

func TestBrokerSilentReapOnPublish(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Millisecond*10, false)
	defer uut.Stop()

	streamA := newNotifyStream()
	disposed := make(chan struct{})
	subA := NewSubscription(SubscriptionParams{
		ID: uuid.New().String(), Channel: "home", UserID: "user-a",
	}, streamA, func() { close(disposed) })
	assert.Nil(uut.Register(subA))

	// Nothing reaps the silent subscription until a publish finds it
	time.Sleep(time.Millisecond * 50)
	assert.Equal(subA, uut.GetSubscription(subA.ID))

	uut.NotifyChannel("home", "chat.msg", map[string]string{"t": "final"})

	// The stale subscription still received this last frame
	frames := streamA.getFrames()
	assert.Len(frames, 2)
	assert.Contains(frames[1], "chat.msg")

	// Then it was removed everywhere and disposed
	assert.Nil(uut.GetSubscription(subA.ID))
	assert.Empty(uut.Snapshot("home"))
	select {
	case <-disposed:
	case <-time.After(time.Second):
		assert.FailNow("subscription was not disposed")
	}
}

func TestBrokerDisconnectCleanup(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, false)
	defer uut.Stop()

	streamA := newNotifyStream()
	streamB := newNotifyStream()
	subA := brokerTestSub("home", streamA)
	subB := brokerTestSub("home", streamB)
	assert.Nil(uut.Register(subA))
	assert.Nil(uut.Register(subB))

	// Break A's transport; the next publish cleans it out of every index
	streamA.setFailWrites(true)
	uut.NotifyChannel("home", "chat.msg", map[string]string{"t": "hi"})

	assert.Nil(uut.GetSubscription(subA.ID))
	assert.Len(uut.Snapshot("home"), 1)

	// B is unaffected and keeps receiving
	uut.NotifyChannel("home", "chat.msg", map[string]string{"t": "again"})
	assert.Len(streamB.getFrames(), 3)
}

func TestBrokerNotifyDimensions(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, false)
	defer uut.Stop()

	// Same user on two channels
	streamHome := newNotifyStream()
	streamWork := newNotifyStream()
	subHome := NewSubscription(SubscriptionParams{
		ID: uuid.New().String(), Channel: "home",
		UserID: "user-x", UserName: "x", SessionID: "session-x",
	}, streamHome, nil)
	subWork := NewSubscription(SubscriptionParams{
		ID: uuid.New().String(), Channel: "work",
		UserID: "user-x", UserName: "x", SessionID: "session-x",
	}, streamWork, nil)
	assert.Nil(uut.Register(subHome))
	assert.Nil(uut.Register(subWork))

	// Case 0: by user ID, unfiltered, reaches both
	uut.NotifyUserID("user-x", "chat.msg", nil, nil)
	assert.Len(streamHome.getFrames(), 2)
	assert.Len(streamWork.getFrames(), 2)

	// Case 1: by user ID with channel filter
	filter := "work"
	uut.NotifyUserID("user-x", "chat.msg", nil, &filter)
	assert.Len(streamHome.getFrames(), 2)
	assert.Len(streamWork.getFrames(), 3)

	// Case 2: by user name and by session
	uut.NotifyUserName("x", "chat.msg", nil, &filter)
	assert.Len(streamWork.getFrames(), 4)
	uut.NotifySession("session-x", "chat.msg", nil, nil)
	assert.Len(streamHome.getFrames(), 3)
	assert.Len(streamWork.getFrames(), 5)

	// Case 3: by subscription ID
	uut.NotifySubscription(subHome.ID, "chat.msg", nil, nil)
	assert.Len(streamHome.getFrames(), 4)
	assert.Len(streamWork.getFrames(), 5)

	// Case 4: unknown keys are silent no-ops
	uut.NotifyUserID("nobody", "chat.msg", nil, nil)
	uut.NotifySubscription(uuid.New().String(), "chat.msg", nil, nil)
	uut.Pulse(uuid.New().String())
}

func TestBrokerUnknownChannelIsLiteral(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, false)
	defer uut.Stop()

	// No channel given; bucketed under the literal "*"
	streamAnon := newNotifyStream()
	subAnon := NewSubscription(SubscriptionParams{
		ID: uuid.New().String(), UserID: "user-anon",
	}, streamAnon, nil)
	streamHome := newNotifyStream()
	subHome := brokerTestSub("home", streamHome)
	assert.Nil(uut.Register(subAnon))
	assert.Nil(uut.Register(subHome))

	// "*" matches only the bucketed subscribers, it is not a wildcard
	uut.NotifyChannel(UnknownChannel, "chat.msg", nil)
	assert.Len(streamAnon.getFrames(), 2)
	assert.Len(streamHome.getFrames(), 1)

	uut.NotifyChannel("home", "chat.msg", nil)
	assert.Len(streamAnon.getFrames(), 2)
	assert.Len(streamHome.getFrames(), 2)
}

func TestBrokerPeriodicReaper(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Millisecond*60, false)
	defer uut.Stop()
	assert.Nil(uut.StartReaper(time.Millisecond * 20))

	streamA := newNotifyStream()
	subA := brokerTestSub("home", streamA)
	assert.Nil(uut.Register(subA))

	// The silent subscription is reaped without any publish
	time.Sleep(time.Millisecond * 150)
	assert.Nil(uut.GetSubscription(subA.ID))

	// An active subscription survives the sweep
	streamB := newNotifyStream()
	subB := brokerTestSub("home", streamB)
	assert.Nil(uut.Register(subB))
	for itr := 0; itr < 10; itr++ {
		uut.Pulse(subB.ID)
		time.Sleep(time.Millisecond * 20)
	}
	assert.Equal(subB, uut.GetSubscription(subB.ID))
}

func TestBrokerRegisterHookFailure(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	hookErr := fmt.Errorf("rejected by hook")
	uut, err := GetEventBroker(BrokerParams{
		Timeout:           time.Minute,
		HeartbeatInterval: time.Second * 10,
		HeartbeatPath:     "/event-heartbeat",
		OnSubscribe: func(sub *Subscription) error {
			if sub.Channel == "blocked" {
				return hookErr
			}
			return nil
		},
	}, utCtxt, &wg)
	assert.Nil(err)
	defer uut.Stop()

	// Hook errors propagate out of Register
	streamA := newNotifyStream()
	subA := brokerTestSub("blocked", streamA)
	assert.Equal(hookErr, uut.Register(subA))
	assert.Empty(streamA.getFrames())

	streamB := newNotifyStream()
	subB := brokerTestSub("home", streamB)
	assert.Nil(uut.Register(subB))
	assert.Len(streamB.getFrames(), 1)
}

func TestBrokerStopDisposesAll(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := getUnitTestBroker(t, utCtxt, &wg, time.Minute, false)

	disposed := make(chan struct{}, 4)
	for itr := 0; itr < 4; itr++ {
		sub := NewSubscription(SubscriptionParams{
			ID: uuid.New().String(), Channel: "home",
		}, newNotifyStream(), func() { disposed <- struct{}{} })
		assert.Nil(uut.Register(sub))
	}

	uut.Stop()
	for itr := 0; itr < 4; itr++ {
		select {
		case <-disposed:
		case <-time.After(time.Second):
			assert.FailNow("subscription was not disposed on stop")
		}
	}
	assert.Empty(uut.Snapshot(""))
}
