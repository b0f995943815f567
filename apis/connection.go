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

package apis

import (
	"context"
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/session"
	"github.com/alwitt/httpush/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"
)

// APIRestConnectionHandler REST handler accepting user agent WebSocket sessions
type APIRestConnectionHandler struct {
	goutils.RestAPIHandler
	manager     session.Manager
	store       storage.Store
	baseContext context.Context
	upgrader    websocket.Server
}

// GetAPIRestConnectionHandler define APIRestConnectionHandler. Sessions end when
// baseContext does.
func GetAPIRestConnectionHandler(
	baseContext context.Context,
	manager session.Manager,
	store storage.Store,
	httpConfig *common.HTTPConfig,
) (APIRestConnectionHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "connection",
		"instance":  manager.NodeID(),
	}
	instance := APIRestConnectionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		manager:        manager,
		store:          store,
		baseContext:    baseContext,
	}
	instance.upgrader = websocket.Server{
		// User agents are browsers of any origin
		Handshake: func(_ *websocket.Config, _ *http.Request) error { return nil },
		Handler:   instance.serveSession,
	}
	return instance, nil
}

// serveSession run one session over an upgraded connection
func (h APIRestConnectionHandler) serveSession(conn *websocket.Conn) {
	localLogTags := h.GetLogTagsForContext(conn.Request().Context())
	err := h.manager.Serve(h.baseContext, session.NewWebsocketTransport(conn))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).WithFields(localLogTags).Info("Session closed")
	}
}

// =======================================================================
// Session

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a push session
// @Description Upgrade to a WebSocket carrying the JSON push session protocol
// @tags Connection
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router / [get]
func (h APIRestConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	h.upgrader.ServeHTTP(w, r)
}

// ConnectHandler Wrapper around Connect
func (h APIRestConnectionHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For connection server liveness check
// @Description Will return success to indicate connection server is live
// @tags Connection
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestConnectionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestConnectionHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For connection server readiness check
// @Description Will return success if the message store is reachable
// @tags Connection
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestConnectionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	writeReadiness(h.RestAPIHandler, h.store, w, r)
}

// ReadyHandler Wrapper around Ready
func (h APIRestConnectionHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// RegisterConnectionAPIs attach the connection server routes under pathPrefix
func RegisterConnectionAPIs(
	parentRouter *mux.Router, pathPrefix string, h APIRestConnectionHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	mainRouter.Methods("get").Path("/").HandlerFunc(h.ConnectHandler())
	return mainRouter
}
