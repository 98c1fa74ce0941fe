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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/httppush/apis"
	"github.com/alwitt/httppush/broker"
	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBrokerServer run the event broker server
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	eventBroker, err := broker.GetEventBroker(broker.BrokerParams{
		Timeout:           time.Second * time.Duration(config.Broker.Timeout),
		HeartbeatInterval: time.Second * time.Duration(config.Broker.HeartbeatInterval),
		HeartbeatPath: fmt.Sprintf(
			"%s%s",
			strings.TrimSuffix(config.Server.Endpoints.PathPrefix, "/"),
			config.Server.Endpoints.HeartbeatPath,
		),
		NotifyChannelOfSubscriptions: config.Broker.NotifyChannelOfSubscriptions,
	}, localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event broker")
		return err
	}

	if config.Broker.ReaperInterval > 0 {
		if err := eventBroker.StartReaper(
			time.Second * time.Duration(config.Broker.ReaperInterval),
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start reaper")
			return err
		}
	}

	httpHandler, err := apis.GetAPIRestEventBrokerHandler(
		localCtxt,
		eventBroker,
		apis.AnonymousSessionResolver(),
		&config.Server.HTTPSetting,
		nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Subscription stream
	_ = apis.RegisterPathPrefix(
		mainRouter, config.Server.Endpoints.StreamPath, map[string]http.HandlerFunc{
			"get": httpHandler.OpenSubscriptionHandler(),
		},
	)

	// Heartbeat
	_ = apis.RegisterPathPrefix(
		mainRouter, config.Server.Endpoints.HeartbeatPath, map[string]http.HandlerFunc{
			"get":  httpHandler.HeartbeatHandler(),
			"post": httpHandler.HeartbeatHandler(),
		},
	)

	// Subscriber listing
	_ = apis.RegisterPathPrefix(
		mainRouter, config.Server.Endpoints.SubscriptionsPath, map[string]http.HandlerFunc{
			"get": httpHandler.ListSubscribersHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.Server.HTTPSetting.Server.ListenOn, config.Server.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Server.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Server.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown so parked subscription streams return
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Dispose all live subscriptions so the parked streams can complete
	eventBroker.Stop()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
