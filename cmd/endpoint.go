// Copyright 2021-2022 The httpmq Authors
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
	"time"

	"github.com/alwitt/httpush/apis"
	"github.com/alwitt/httpush/router"
	"github.com/alwitt/httpush/session"
	"github.com/alwitt/httpush/vapid"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// RunEndpointServer run the server application servers send notifications to.
// localSessions is the session manager of this node, if it also serves connections.
func RunEndpointServer(ctxt context.Context, node *Node, localSessions session.Manager) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "endpoint",
		"instance":  node.ID,
	}
	config := node.Config.Endpoint
	if config == nil {
		return fmt.Errorf("endpoint server can't start without its configurations")
	}

	formatter, err := node.endpointFormatter()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define endpoint formatter")
		return err
	}
	validator, err := vapid.GetValidator(
		time.Second*time.Duration(config.VAPIDMaxExpiry),
		config.VAPIDKeyCacheSize,
		config.VAPIDStrictClaims,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define VAPID validator")
		return err
	}
	notificationRouter, err := router.GetRouter(
		router.Params{Origin: config.PublicURL},
		node.Store,
		node.Codec,
		validator,
		localSessions,
		node.Relay,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification router")
		return err
	}

	httpHandler, err := apis.GetAPIRestEndpointHandler(notificationRouter, formatter, node.Store, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	mainRouter := mux.NewRouter()
	_ = apis.RegisterEndpointAPIs(mainRouter, config.Endpoints.PathPrefix, httpHandler)
	mainRouter.Use(apis.AccessLogMiddleware(logTags))

	return runHTTPServer(ctxt, logTags, config.HTTPSetting.Server, mainRouter)
}
