package alerting

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// ConsoleChannel writes alerts to a writer, stdout by default.
type ConsoleChannel struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleChannel creates a console channel. A nil writer means stdout.
func NewConsoleChannel(out io.Writer) *ConsoleChannel {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleChannel{out: out}
}

// Send writes the alert message.
func (c *ConsoleChannel) Send(ctx context.Context, alert *types.AlertInstance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s ALERT %s %s\n",
		alert.Timestamp.Format("2006-01-02 15:04:05"), alert.ID, alert.Message)
	return err
}

// Name returns the channel name.
func (c *ConsoleChannel) Name() string { return "console" }

// LogChannel emits alerts through the structured logger, so alerting works
// out of the box wherever logs already go.
type LogChannel struct {
	logger *utils.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *utils.Logger) *LogChannel {
	if logger == nil {
		logger = utils.NewTestLogger()
	}
	return &LogChannel{logger: logger.WithComponent("alerts")}
}

// Send logs the alert with its values as fields.
func (c *LogChannel) Send(ctx context.Context, alert *types.AlertInstance) error {
	fields := map[string]interface{}{
		"alert_id": alert.ID,
		"severity": string(alert.Severity),
	}
	for name, value := range alert.Values {
		fields[name] = value
	}

	if alert.Severity == types.SeverityCritical {
		c.logger.Error(alert.Message, fields)
	} else {
		c.logger.Warn(alert.Message, fields)
	}
	return nil
}

// Name returns the channel name.
func (c *LogChannel) Name() string { return "log" }
