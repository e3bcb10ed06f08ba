package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/ctl"
)

func main() {
	// Setup logging format
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd := ctl.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
