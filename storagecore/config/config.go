package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SetupDefaultConfig - setup the default config options that can be overridden via the config file
func SetupDefaultConfig() {
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("replication.frequency", 30)
	viper.SetDefault("replication.num_workers", 5)
	viper.SetDefault("fixity.frequency", 0)
	viper.SetDefault("fixity.num_workers", 2)
	viper.SetDefault("staging_cleaner.frequency", 300)

	viper.SetDefault("transfer.timeout", 6*time.Hour)
	viper.SetDefault("transfer.retries", 3)

	viper.SetDefault("callback.timeout", 10*time.Second)

	viper.SetDefault("rate_limiters.requests_per_second", 25)

	viper.SetDefault("object_size_limit", int64(-1))
}

/*SetupConfig - setup the configuration system */
func SetupConfig(configPath string) {
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	viper.SetConfigName("storaged")

	if configPath == "" {
		viper.AddConfigPath("./config")
	} else {
		viper.AddConfigPath(configPath)
	}

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %s", err))
	}
}

// WatchConfig re-reads the log level when the config file changes on disk.
// Only dynamic settings are picked up; everything else needs a restart.
func WatchConfig(onChange func()) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if onChange != nil {
			onChange()
		}
	})
	viper.WatchConfig()
}

type Config struct {
	DBHost     string
	DBPort     string
	DBName     string
	DBUserName string
	DBPassword string

	// StagingPath is the storage-service internal processing area used as
	// the intermediate hop for cross-backend moves.
	StagingPath string

	ReplicationFreq       int64
	ReplicationNumWorkers int
	FixityFreq            int64
	FixityNumWorkers      int
	StagingCleanerFreq    int64

	TransferTimeout time.Duration
	TransferRetries int

	// CallbackURL is the optional notification endpoint POSTed to when an
	// approval request is resolved.
	CallbackURL      string
	CallbackUser     string
	CallbackPassword string
	CallbackTimeout  time.Duration

	RequestsPerSecond float64

	ObjectSizeLimit int64
}

/*Configuration of the system */
var Configuration Config

// ReadConfig populates Configuration from viper.
func ReadConfig() {
	Configuration.DBHost = viper.GetString("db.host")
	Configuration.DBPort = viper.GetString("db.port")
	Configuration.DBName = viper.GetString("db.name")
	Configuration.DBUserName = viper.GetString("db.user")
	Configuration.DBPassword = viper.GetString("db.password")

	Configuration.StagingPath = viper.GetString("staging_path")

	Configuration.ReplicationFreq = viper.GetInt64("replication.frequency")
	Configuration.ReplicationNumWorkers = viper.GetInt("replication.num_workers")
	Configuration.FixityFreq = viper.GetInt64("fixity.frequency")
	Configuration.FixityNumWorkers = viper.GetInt("fixity.num_workers")
	Configuration.StagingCleanerFreq = viper.GetInt64("staging_cleaner.frequency")

	Configuration.TransferTimeout = viper.GetDuration("transfer.timeout")
	Configuration.TransferRetries = viper.GetInt("transfer.retries")

	Configuration.CallbackURL = viper.GetString("callback.url")
	Configuration.CallbackUser = viper.GetString("callback.user")
	Configuration.CallbackPassword = viper.GetString("callback.password")
	Configuration.CallbackTimeout = viper.GetDuration("callback.timeout")

	Configuration.RequestsPerSecond = viper.GetFloat64("rate_limiters.requests_per_second")

	Configuration.ObjectSizeLimit = viper.GetInt64("object_size_limit")
}
