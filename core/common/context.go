package common

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var rootContext context.Context
var rootCancel context.CancelFunc

/*SetupRootContext - sets up the root context that can be used to shutdown the node */
func SetupRootContext(nodectx context.Context) {
	rootContext, rootCancel = context.WithCancel(nodectx)
}

/*GetRootContext - get the root context for the server */
func GetRootContext() context.Context {
	return rootContext
}

/*Done - call this when the program needs to stop and notify all workers */
func Done() {
	rootCancel()
}

/*HandleShutdown - handles various shutdown signals */
func HandleShutdown(server interface{ Shutdown(context.Context) error }) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range c {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				_ = server.Shutdown(rootContext)
				Done()
			}
		}
	}()
}
