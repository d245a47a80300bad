package main

import "flag"

var (
	configDir  string
	logDir     string
	httpPort   int
	deployMode string
)

func parseFlags() {
	flag.StringVar(&configDir, "config_dir", "./config", "configuration directory")
	flag.StringVar(&logDir, "log_dir", "./logs", "log directory")
	flag.IntVar(&httpPort, "port", 8000, "HTTP listen port")
	flag.StringVar(&deployMode, "deployment_mode", "production", "development or production")
	flag.Parse()
}
