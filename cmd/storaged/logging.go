package main

import (
	"fmt"

	"github.com/openarchive/storaged/core/logging"
)

func setupLogging(step int) {
	fmt.Printf("[%v/%v] init logging\n", step, totalSteps)
	logging.InitLogging(deployMode, logDir, "storaged.log")
}
