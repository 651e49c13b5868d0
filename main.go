package main

import (
	"os"

	"github.com/cmu-sei/gameboard-engine/cmd"
	"github.com/cmu-sei/gameboard-engine/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
