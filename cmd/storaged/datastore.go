package main

import (
	"fmt"
	"time"

	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/automigration"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/spf13/viper"
)

func setupDatabase(step int) error {
	fmt.Printf("[%v/%v] connect data store\n", step, totalSteps)

	var err error
	for i := 0; i < 600; i++ {
		err = datastore.GetStore().Open()
		if err == nil {
			break
		}
		if i%30 == 0 {
			fmt.Printf("[%v/%v] connect(%v) data store\n", step, totalSteps, i)
		}
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		logging.Logger.Error("Failed to connect to the database. Shutting the server down")
		return err
	}

	if viper.GetBool("db.automigrate") {
		if err := automigration.AutoMigrate(datastore.GetStore().GetDB()); err != nil {
			return fmt.Errorf("error while migrating schema: %v", err)
		}
	}
	return nil
}
