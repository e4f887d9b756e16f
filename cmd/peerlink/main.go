// Peerlink: CLI entry point.
//
// Two roles share one binary. "relay" runs the WebSocket signaling relay
// that routes offers, answers and candidates between connected clients
// speaking either message dialect. "peer" connects to a relay, lists the
// other clients and negotiates a WebRTC call with one of them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/peerlink/cmd/peerlink/commands"
	"github.com/1ureka/peerlink/internal/util"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
