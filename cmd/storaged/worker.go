package main

import (
	"context"
	"fmt"

	"github.com/openarchive/storaged/storagecore/packages"
)

func setupWorkers(step int, ctx context.Context) {
	fmt.Printf("[%v/%v] start workers\n", step, totalSteps)
	packages.SetupWorkers(ctx)
}
