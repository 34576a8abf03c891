package shepherd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// startupTimeout bounds how long ConnectOrStart waits for a new shepherd.
const startupTimeout = 3 * time.Second

// ConnectOrStart connects to a running shepherd or launches a new one from
// the current executable and waits for it to answer.
func ConnectOrStart(ctx context.Context, log logr.Logger) (*Client, error) {
	socketPath, err := SocketPath()
	if err != nil {
		return nil, err
	}

	if client, err := connect(ctx, log, socketPath); err == nil {
		log.Info("connected to existing shepherd")
		return client, nil
	}

	log.Info("starting shepherd process")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	cmd := exec.Command(exe, "shepherd")
	cmd.SysProcAttr = detachedAttr()
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shepherd: %w", err)
	}
	// Detach: the shepherd outlives this process.
	cmd.Process.Release()

	waitCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	var lastErr error
	client, err := backoff.RetryNotifyWithData(
		func() (*Client, error) { return connect(waitCtx, log, socketPath) },
		backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(500*time.Millisecond),
			backoff.WithMaxElapsedTime(startupTimeout),
		), waitCtx),
		func(err error, _ time.Duration) { lastErr = err },
	)
	if err != nil {
		return nil, fmt.Errorf("shepherd did not become available within %s: %w", startupTimeout, errors.Join(lastErr, err))
	}
	log.Info("shepherd started and connected")
	return client, nil
}

func connect(ctx context.Context, log logr.Logger, socketPath string) (*Client, error) {
	client, err := Dial(log, socketPath)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
