// Package uhubctl power cycles USB hub ports with the external uhubctl utility
package uhubctl

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/transport"
)

// ErrNotInstalled means the uhubctl binary is not on PATH
var ErrNotInstalled = errors.New("uhubctl not installed")

const (
	DefaultOffTime = 3 * time.Second
	DefaultOnTime  = 3 * time.Second
)

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Cycler switches a hub port off and on again
type Cycler struct {
	Binary  string
	OffTime time.Duration // how long the port stays off
	OnTime  time.Duration // settle time after power returns

	// Hub and Port override the location derived from the device
	Hub  string
	Port int

	run Runner
	log *zap.SugaredLogger
}

// New locates uhubctl on PATH
func New(log *zap.SugaredLogger) (*Cycler, error) {
	path, err := exec.LookPath("uhubctl")
	if err != nil {
		return nil, ErrNotInstalled
	}
	return &Cycler{
		Binary:  path,
		OffTime: DefaultOffTime,
		OnTime:  DefaultOnTime,
		run:     execRunner,
		log:     logger.Or(log),
	}, nil
}

// target returns the hub location and port for uhubctl -l / -p
func (c *Cycler) target(loc transport.Location) (string, int, error) {
	if c.Hub != "" && c.Port > 0 {
		return c.Hub, c.Port, nil
	}
	hub, port, ok := loc.Hub()
	if !ok {
		return "", 0, fmt.Errorf("cannot derive hub port from location %s", loc)
	}
	return hub, port, nil
}

// PowerCycle switches the port off, waits, switches it on and waits for
// the device to boot.
func (c *Cycler) PowerCycle(ctx context.Context, loc transport.Location) error {
	hub, port, err := c.target(loc)
	if err != nil {
		return err
	}
	c.log.Infow("Power cycling hub port", "hub", hub, "port", port)

	if err := c.switchPort(ctx, "off", hub, port); err != nil {
		return err
	}
	if err := sleep(ctx, c.OffTime); err != nil {
		// Never leave the port unpowered
		c.switchPort(context.Background(), "on", hub, port)
		return err
	}
	if err := c.switchPort(ctx, "on", hub, port); err != nil {
		return err
	}
	return sleep(ctx, c.OnTime)
}

func (c *Cycler) switchPort(ctx context.Context, action, hub string, port int) error {
	out, err := c.run(ctx, c.Binary, "-a", action, "-l", hub, "-p", strconv.Itoa(port))
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("uhubctl -a %s -l %s -p %d: %w: %s", action, hub, port, err, msg)
		}
		return fmt.Errorf("uhubctl -a %s -l %s -p %d: %w", action, hub, port, err)
	}
	c.log.Debugw("uhubctl", "action", action, "output", strings.TrimSpace(string(out)))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
