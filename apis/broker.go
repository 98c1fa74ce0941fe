// Copyright 2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httppush/broker"
	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// APIRestEventBrokerHandler REST handler for the event broker
type APIRestEventBrokerHandler struct {
	goutils.RestAPIHandler
	broker      broker.EventBroker
	sessions    SessionResolver
	onCreated   broker.SubscriberHook
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestEventBrokerHandler define APIRestEventBrokerHandler
func GetAPIRestEventBrokerHandler(
	baseContext context.Context,
	eventBroker broker.EventBroker,
	sessions SessionResolver,
	httpConfig *common.HTTPConfig,
	onCreated broker.SubscriberHook,
) (APIRestEventBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "event-broker",
	}
	return APIRestEventBrokerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		broker:      eventBroker,
		sessions:    sessions,
		onCreated:   onCreated,
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// sseResponseStream adapts the HTTP response into a broker event stream
type sseResponseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseResponseStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Flush push buffered frames out to the client
func (s *sseResponseStream) Flush() error {
	s.flusher.Flush()
	return nil
}

// =======================================================================
// Subscription stream

// OpenSubscription godoc
// @Summary Open an SSE subscription stream
// @Description Establish a server-sent-event subscription for a client. This is a long lived
// event stream. The stream closes on client disconnect, server shutdown, or when the broker
// reaps the subscription for missing heartbeats.
// @tags Broker
// @Produce plain
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param channel query string false "Channel to subscribe on (DEFAULT: *)"
// @Success 200 {string} string "SSE frames"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /event-stream [get]
func (h APIRestEventBrokerHandler) OpenSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(w, r, http.StatusInternalServerError, msg, msg)
		return
	}

	// Read the channel
	channel := ""
	{
		t, ok := r.URL.Query()["channel"]
		if ok {
			if len(t) != 1 {
				msg := "Multiple channels"
				log.WithFields(localLogTags).Errorf(msg)
				h.reply(w, r, http.StatusBadRequest, msg, msg)
				return
			}
			channel = t[0]
		}
	}

	// Resolve the session behind the request
	session, err := h.sessions.Resolve(r)
	if err != nil {
		msg := "Unable to resolve session"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(w, r, http.StatusInternalServerError, msg, err.Error())
		return
	}
	userID := session.UserID
	displayName := session.DisplayName
	if !session.Authenticated || userID == "" {
		anonID, anonName := broker.NextAnonymousUser()
		userID = anonID
		if displayName == "" {
			displayName = anonName
		}
	}

	subID := uuid.New().String()

	// Define custom log tags for this instance
	logTags := localLogTags
	logTags["subscription"] = subID
	logTags["channel"] = channel

	disposed := make(chan struct{})
	sub := broker.NewSubscription(broker.SubscriptionParams{
		ID:              subID,
		Channel:         channel,
		UserID:          userID,
		UserName:        session.UserName,
		SessionID:       session.SessionID,
		DisplayName:     displayName,
		IsAuthenticated: session.Authenticated,
		Meta: map[string]string{
			"userId":      userID,
			"displayName": displayName,
			"profileUrl":  session.ProfileURL,
		},
	}, &sseResponseStream{w: w, flusher: writeFlusher}, func() { close(disposed) })

	if h.onCreated != nil {
		if err := h.onCreated(sub); err != nil {
			msg := "Subscription rejected"
			log.WithError(err).WithFields(logTags).Errorf(msg)
			h.reply(w, r, http.StatusInternalServerError, msg, err.Error())
			return
		}
	}

	// The on-connect frame goes out inside Register, committing the stream
	if err := h.broker.Register(sub); err != nil {
		msg := "Unable to register subscription"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		h.reply(w, r, http.StatusInternalServerError, msg, err.Error())
		return
	}

	log.WithFields(logTags).Info("Subscription stream established")

	// Park the request for the lifetime of the subscription
	select {
	case <-disposed:
		log.WithFields(logTags).Info("Subscription stream disposed")
	case <-r.Context().Done():
		log.WithFields(logTags).Info("Terminating subscription stream on request end")
		sub.Unsubscribe()
	case <-h.baseContext.Done():
		log.WithFields(logTags).Info("Terminating subscription stream on server stop")
		sub.Unsubscribe()
	}
}

// OpenSubscriptionHandler Wrapper around OpenSubscription
func (h APIRestEventBrokerHandler) OpenSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.OpenSubscription(w, r)
	}
}

// =======================================================================
// Heartbeat

// Heartbeat godoc
// @Summary Subscription heartbeat
// @Description Mark a subscription alive so the broker does not reap it. Unknown subscription
// IDs are ignored.
// @tags Broker
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param from query string true "Subscription ID reporting alive"
// @Success 200 {string} string ""
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /event-heartbeat [get]
func (h APIRestEventBrokerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	t, ok := r.URL.Query()["from"]
	if !ok || len(t) != 1 {
		msg := "Missing subscription ID / Multiple subscription IDs"
		log.WithFields(localLogTags).Errorf(msg)
		h.reply(w, r, http.StatusBadRequest, msg, msg)
		return
	}
	h.broker.Pulse(t[0])

	// The response carries no body
	w.WriteHeader(http.StatusOK)
}

// HeartbeatHandler Wrapper around Heartbeat
func (h APIRestEventBrokerHandler) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Heartbeat(w, r)
	}
}

// =======================================================================
// Subscriber listing

// ListSubscribers godoc
// @Summary List active subscribers
// @Description Return the metadata of every active subscription, optionally restricted to
// one channel.
// @tags Broker
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param channel query string false "Only list subscribers of this channel"
// @Success 200 {array} object "subscriber metadata"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /event-subscribers [get]
func (h APIRestEventBrokerHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	channel := ""
	{
		t, ok := r.URL.Query()["channel"]
		if ok {
			if len(t) != 1 {
				msg := "Multiple channels"
				log.WithFields(localLogTags).Errorf(msg)
				h.reply(w, r, http.StatusBadRequest, msg, msg)
				return
			}
			channel = t[0]
		}
	}

	subscribers := h.broker.Snapshot(channel)
	if err := h.WriteRESTResponse(w, http.StatusOK, subscribers, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListSubscribersHandler Wrapper around ListSubscribers
func (h APIRestEventBrokerHandler) ListSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSubscribers(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For broker REST API liveness check
// @Description Will return success to indicate broker REST API module is live
// @tags Broker
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestEventBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEventBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For broker REST API readiness check
// @Description Will return success if broker REST API module is ready for use
// @tags Broker
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEventBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	if h.broker != nil {
		if err := h.WriteRESTResponse(
			w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	if err := h.WriteRESTResponse(
		w,
		http.StatusInternalServerError,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
		nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestEventBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// Write logging support so the handler can be used as an io.Writer
func (h APIRestEventBrokerHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// reply helper for writing standard REST error responses
func (h APIRestEventBrokerHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, msg, detail string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}
