/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// huddle-probe dials a signaling server, runs the identify/challenge
// handshake, optionally sends one RPC and then prints pushed events until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/pflag"

	huddle "github.com/tejzpr/huddle-go-sdk"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/signaling"
	"github.com/tejzpr/huddle-go-sdk/transport/transporttest"
)

func main() {
	fs := pflag.NewFlagSet("huddle-probe", pflag.ContinueOnError)
	var (
		url        = fs.StringP("url", "u", "", "signaling websocket URL (required)")
		user       = fs.String("user", "", "user id to identify as; stored for later runs")
		storePath  = fs.StringP("store", "s", "huddle.db", "SQLite settings store holding the identity")
		configPath = fs.StringP("config", "c", "", "optional YAML config file")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
		logFile    = fs.String("log-file", "", "write logs to a rotating file instead of stderr")
		rpc        = fs.String("rpc", "", "message type of one request to send after identification")
		data       = fs.String("data", "{}", "JSON payload for --rpc")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *url == "" {
		fmt.Fprintln(os.Stderr, "--url is required")
		fs.PrintDefaults()
		os.Exit(2)
	}

	cfg := huddle.DefaultConfig()
	if *configPath != "" {
		loaded, err := huddle.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("ERROR loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if fs.Changed("log-level") || cfg.Logging.Level == "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.File = huddlesdk.FileLogConfig{Filename: *logFile, MaxSizeMB: 10, MaxBackups: 3}
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Printf("ERROR building logger: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("[1/4] Opening settings store...")
	store, err := settings.OpenSQL(*storePath)
	if err != nil {
		fmt.Printf("ERROR opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *user != "" {
		if err := store.Set(ctx, settings.KeyUserID, *user); err != nil {
			fmt.Printf("ERROR saving user id: %v\n", err)
			os.Exit(1)
		}
	}

	// The probe never joins a call, so media goes to an in-memory provider.
	session, err := huddle.NewSession(cfg, huddle.Dependencies{
		Provider: transporttest.NewProvider(settings.String(ctx, store, settings.KeyUserID, ""), true),
		Settings: store,
		Logger:   logger,
	})
	if err != nil {
		fmt.Printf("ERROR creating session: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()
	fmt.Printf("  User ID: %s\n", session.Identity().UserID)

	session.OnError(func(err error) {
		fmt.Printf("  session error [%s]: %v\n", huddlesdk.CategoryOf(err), err)
	})
	session.Signaling().On("*", func(f *signaling.Frame) {
		fmt.Printf("  <- %s %s\n", f.Type, string(f.Data))
	})

	fmt.Println("[2/4] Connecting...")
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Signaling.HandshakeTimeout)
	err = session.Open(dialCtx, *url, nil)
	dialCancel()
	if err != nil {
		fmt.Printf("ERROR connecting: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("[3/4] Identifying...")
	idCtx, idCancel := context.WithTimeout(ctx, cfg.Handshake.Timeout)
	err = session.WaitIdentified(idCtx)
	idCancel()
	if err != nil {
		fmt.Printf("ERROR identifying [%s]: %v\n", huddlesdk.CategoryOf(err), err)
		os.Exit(1)
	}
	fmt.Println("  identified")

	if *rpc != "" {
		payload, err := requestPayload(*data)
		if err != nil {
			fmt.Printf("ERROR parsing --data: %v\n", err)
			os.Exit(1)
		}
		start := time.Now()
		resp, err := session.Request(ctx, *rpc, payload)
		if err != nil {
			fmt.Printf("ERROR %s [%s]: %v\n", *rpc, huddlesdk.CategoryOf(err), err)
		} else {
			fmt.Printf("  %s -> %s %s (%v)\n", *rpc, resp.Type, string(resp.Data), time.Since(start).Round(time.Millisecond))
		}
	}

	fmt.Println("[4/4] Listening for events (Ctrl+C to exit)...")
	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

// requestPayload checks that data is a single JSON value and returns it
// unchanged for use as a request payload.
func requestPayload(data string) (sonic.NoCopyRawMessage, error) {
	if !sonic.ValidString(data) {
		return nil, fmt.Errorf("invalid JSON: %q", data)
	}
	return sonic.NoCopyRawMessage(data), nil
}
