// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example chat relay: every chat message from a viewer is broadcast to all
// active circuits.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/simverse/lludp"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg := lludp.DefaultConfig()
	cfg.Port = 9000
	cfg.Monitor.Enabled = true

	srv, err := lludp.NewServer(cfg, lludp.WithLogger(logger), lludp.WithRegionName("chat-relay"))
	if err != nil {
		logger.Fatal("new server", zap.Error(err))
	}

	srv.Handle(lludp.MsgChatFromViewer, func(ctx context.Context, c *lludp.Circuit, id lludp.MessageID, body []byte) {
		n := srv.Broadcast(lludp.MsgChatFromViewer, body, true, lludp.CategoryTask)
		logger.Info("relayed chat",
			zap.Uint32("from", c.Code()),
			zap.Int("recipients", n))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start", zap.Error(err))
	}

	go func() {
		for ev := range srv.Events() {
			logger.Info("event",
				zap.Stringer("kind", ev.Kind),
				zap.Uint32("circuit", ev.CircuitID))
		}
	}()

	<-ctx.Done()
	if err := srv.Close(); err != nil {
		logger.Error("close", zap.Error(err))
	}
}
