package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterje/dbgmcp/internal/commands"
	"github.com/peterje/dbgmcp/internal/logger"
)

const (
	errCommand = 1
	errSetup   = 2
)

func main() {
	log := logger.New("dbgmcp")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	root, err := commands.NewRootCmd(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errSetup)
	}

	err = root.ExecuteContext(ctx)
	stop()
	log.Flush()
	if err != nil {
		os.Exit(errCommand)
	}
}
