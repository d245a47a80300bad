package main

import (
	"fmt"

	"github.com/openarchive/storaged/storagecore/config"
)

func setupConfig(step int) {
	fmt.Printf("[%v/%v] load config\n", step, totalSteps)

	config.SetupDefaultConfig()
	config.SetupConfig(configDir)
	config.ReadConfig()

	config.WatchConfig(func() {
		config.ReadConfig()
	})
}
