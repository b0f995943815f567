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
	"sync"

	"github.com/alwitt/httpush/apis"
	"github.com/alwitt/httpush/relay"
	"github.com/alwitt/httpush/session"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// DefineSessionManager define the session manager of the node. With NATS, the node
// also starts serving relay requests from the other nodes until ctxt ends.
func DefineSessionManager(
	ctxt context.Context, wg *sync.WaitGroup, node *Node,
) (session.Manager, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "sessions",
		"instance":  node.ID,
	}
	if node.Config.Connection == nil {
		return nil, fmt.Errorf("connection server can't start without its configurations")
	}

	formatter, err := node.endpointFormatter()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define endpoint formatter")
		return nil, err
	}
	var notifier session.TakeoverNotifier
	if node.Relay != nil {
		notifier = node.Relay
	}
	manager, err := session.GetManager(
		session.GetParams(node.ID, *node.Config.Connection),
		node.Store,
		node.Registry,
		formatter,
		notifier,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return nil, err
	}

	if node.NATS != nil {
		receiver, err := relay.GetReceiver(ctxt, node.NATS, manager, node.Config.NATS.RelayWorkers)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define relay receiver")
			return nil, err
		}
		if err := receiver.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start relay receiver")
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctxt.Done()
			if err := receiver.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Relay receiver stop failed")
			}
		}()
	}
	return manager, nil
}

// RunConnectionServer run the server user agents hold their sessions with
func RunConnectionServer(ctxt context.Context, node *Node, manager session.Manager) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "connection",
		"instance":  node.ID,
	}
	config := node.Config.Connection
	if config == nil {
		return fmt.Errorf("connection server can't start without its configurations")
	}

	httpHandler, err := apis.GetAPIRestConnectionHandler(ctxt, manager, node.Store, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	mainRouter := mux.NewRouter()
	_ = apis.RegisterConnectionAPIs(mainRouter, config.Endpoints.PathPrefix, httpHandler)
	mainRouter.Use(apis.AccessLogMiddleware(logTags))

	return runHTTPServer(ctxt, logTags, config.HTTPSetting.Server, mainRouter)
}

// RunStandalone run both servers on one node. Live notifications reach local sessions
// without the relay.
func RunStandalone(ctxt context.Context, wg *sync.WaitGroup, node *Node) error {
	manager, err := DefineSessionManager(ctxt, wg, node)
	if err != nil {
		return err
	}
	group, groupCtxt := errgroup.WithContext(ctxt)
	group.Go(func() error {
		return RunConnectionServer(groupCtxt, node, manager)
	})
	group.Go(func() error {
		return RunEndpointServer(groupCtxt, node, manager)
	})
	return group.Wait()
}
