package main

import (
	"context"
	"fmt"
	"log"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/space"
	"go.uber.org/zap"
)

const totalSteps = 6

func main() {
	parseFlags()

	setupConfig(1)
	setupLogging(2)

	common.SetupRootContext(context.Background())

	if err := setupDatabase(3); err != nil {
		log.Fatal(err)
	}
	defer datastore.GetStore().Close()

	verifySpaces(4)
	setupWorkers(5, common.GetRootContext())
	startHTTPServer(6)
}

func verifySpaces(step int) {
	fmt.Printf("[%v/%v] verify spaces\n", step, totalSteps)
	if err := space.VerifyAll(common.GetRootContext()); err != nil {
		logging.Logger.Warn("space verification sweep incomplete", zap.Error(err))
	}
}
