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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/httpush/cmd"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	UseNATS    bool
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title httpush
// @version v0.1.0
// @description WebPush endpoint and connection server

// @host localhost:8082
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	// Values from a .env file back the EnvVars of the flags below
	if envFile := os.Getenv("HTTPUSH_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.WithError(err).WithFields(logTags).Fatalf("Unable to load %s", envFile)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.WithError(err).WithFields(logTags).Fatal("Unable to load .env")
		}
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "WebPush endpoint and connection server",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Node relay
			&cli.BoolFlag{
				Name:        "nats-relay",
				Usage:       "Whether to relay between nodes through NATS",
				Aliases:     []string{"n"},
				EnvVars:     []string{"NATS_RELAY"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.UseNATS,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "endpoint",
				Usage:       "Run the httpush endpoint server",
				Description: "Serves the push endpoints application servers send notifications to",
				Action:      startEndpointServer,
			},
			{
				Name:        "connection",
				Usage:       "Run the httpush connection server",
				Description: "Serves the WebSocket sessions of user agents",
				Action:      startConnectionServer,
			},
			{
				Name:        "standalone",
				Usage:       "Run both httpush servers in one process",
				Description: "Serves the push endpoints and the user agent sessions together",
				Action:      startStandalone,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	if cmdArgs.UseNATS {
		common.InstallDefaultNATSConfigValues()
	}
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client of the node relay
func prepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// runNode prepare the node services and hand them to a server runner
func runNode(
	needs func(config *common.SystemConfig) error,
	runner func(ctxt context.Context, wg *sync.WaitGroup, node *cmd.Node) error,
) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if err := needs(config); err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if cmdArgs.UseNATS {
		if config.NATS == nil {
			return fmt.Errorf("node relay can't start without NATS configurations")
		}
		natsClient, err = prepareNATSClient(*config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
	}

	node, err := cmd.PrepareNode(runTimeContext, wg, config, cmdArgs.Hostname, natsClient)
	if err != nil {
		return err
	}
	defer func() {
		// Background tasks use the store until they stop
		rtCancel()
		wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		node.Close(ctx)
	}()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return runner(runTimeContext, wg, node)
}

// ============================================================================
// Subcommands

// startEndpointServer run the endpoint server
func startEndpointServer(c *cli.Context) error {
	return runNode(
		func(config *common.SystemConfig) error {
			if config.Endpoint == nil {
				return fmt.Errorf("endpoint server can't start without its configurations")
			}
			return nil
		},
		func(ctxt context.Context, _ *sync.WaitGroup, node *cmd.Node) error {
			return cmd.RunEndpointServer(ctxt, node, nil)
		},
	)
}

// startConnectionServer run the connection server
func startConnectionServer(c *cli.Context) error {
	return runNode(
		func(config *common.SystemConfig) error {
			if config.Connection == nil {
				return fmt.Errorf("connection server can't start without its configurations")
			}
			return nil
		},
		func(ctxt context.Context, wg *sync.WaitGroup, node *cmd.Node) error {
			manager, err := cmd.DefineSessionManager(ctxt, wg, node)
			if err != nil {
				return err
			}
			return cmd.RunConnectionServer(ctxt, node, manager)
		},
	)
}

// startStandalone run both servers in one process
func startStandalone(c *cli.Context) error {
	return runNode(
		func(config *common.SystemConfig) error {
			if config.Endpoint == nil || config.Connection == nil {
				return fmt.Errorf("standalone needs both endpoint and connection configurations")
			}
			return nil
		},
		cmd.RunStandalone,
	)
}
