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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/httpush/broadcast"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/core"
	"github.com/alwitt/httpush/relay"
	"github.com/alwitt/httpush/storage"
	"github.com/alwitt/httpush/token"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Node the services shared by the servers of one node
type Node struct {
	common.Component
	// ID identifies this node to the other nodes
	ID       string
	Config   *common.SystemConfig
	Store    storage.Store
	Codec    token.Codec
	Registry broadcast.Registry
	// NATS is the node relay connection. nil when running without one.
	NATS *core.NatsClient
	// Relay reaches the other nodes. nil when running without NATS.
	Relay relay.Client
}

// PrepareNode define the shared services of a node and start its background tasks.
// Those tasks end with ctxt.
func PrepareNode(
	ctxt context.Context,
	wg *sync.WaitGroup,
	config *common.SystemConfig,
	hostname string,
	natsClient *core.NatsClient,
) (*Node, error) {
	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = hostname
	}
	logTags := log.Fields{
		"module":    "cmd",
		"component": "node",
		"instance":  nodeID,
	}

	driver, err := storage.GetDriver(ctxt, config.Storage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define %s storage driver", config.Storage.Driver)
		return nil, err
	}
	store, err := storage.GetStore(driver, common.GetRetryParams(config.Storage.Retry), nodeID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message store")
		return nil, err
	}
	if err := store.StartExpirySweep(
		ctxt, wg, time.Second*time.Duration(config.Storage.SweepInterval), config.Storage.SweepBatch,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start expiry sweep")
		return nil, err
	}

	codec, err := token.GetCodec(config.Crypto.TokenKey)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define endpoint token codec")
		return nil, err
	}

	registry := broadcast.GetRegistry()
	if config.Broadcast.SourceURL != "" {
		poller, err := broadcast.GetPoller(config.Broadcast, registry, &http.Client{})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define broadcast poller")
			return nil, err
		}
		if err := poller.Start(ctxt, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start broadcast poller")
			return nil, err
		}
	}

	node := &Node{
		Component: common.Component{LogTags: logTags},
		ID:        nodeID,
		Config:    config,
		Store:     store,
		Codec:     codec,
		Registry:  registry,
	}
	if natsClient != nil {
		if config.NATS == nil {
			return nil, fmt.Errorf("NATS client given without NATS config")
		}
		node.NATS = natsClient
		node.Relay = relay.GetClient(
			natsClient, time.Second*time.Duration(config.NATS.RequestTimeout),
		)
	}
	return node, nil
}

// Close release the node's connections
func (n *Node) Close(ctxt context.Context) {
	if n.NATS != nil {
		n.NATS.Close(ctxt)
	}
	if err := n.Store.Close(); err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Store close failed")
	}
}

// endpointFormatter define the push endpoint formatter of the node
func (n *Node) endpointFormatter() (token.EndpointFormatter, error) {
	if n.Config.Endpoint == nil {
		return nil, fmt.Errorf("push endpoints can't be formed without endpoint configurations")
	}
	return token.GetEndpointFormatter(
		n.Codec, n.Config.Endpoint.PublicURL, n.Config.Endpoint.Endpoints.PathPrefix,
	)
}

// runHTTPServer serve handler until ctxt ends or the server fails
func runHTTPServer(
	ctxt context.Context, logTags log.Fields, config common.HTTPServerConfig, handler http.Handler,
) error {
	serverListen := fmt.Sprintf("%s:%d", config.ListenOn, config.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
	}

	// Start the server
	srvErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			srvErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	var err error
	select {
	case <-ctxt.Done():
	case err = <-srvErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	return err
}
