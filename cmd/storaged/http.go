package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/handler"
	"go.uber.org/zap"
)

func startHTTPServer(step int) {
	fmt.Printf("[%v/%v] start http server\n", step, totalSteps)

	r := mux.NewRouter()
	handler.SetupHandlers(r)

	var h http.Handler = r
	h = handlers.CombinedLoggingHandler(os.Stdout, h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)

	address := ":" + strconv.Itoa(httpPort)
	server := &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           h,
	}
	common.HandleShutdown(server)

	logging.Logger.Info("Ready to listen to the requests",
		zap.Int("available_cpus", runtime.NumCPU()),
		zap.Int("port", httpPort))

	log.Fatal(server.ListenAndServe())
}
