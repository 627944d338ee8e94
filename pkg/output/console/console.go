package console

import (
	"fmt"
	"time"

	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

type ConsoleOutput struct {
	now func() time.Time
}

func NewConsole() output.Output { return &ConsoleOutput{now: time.Now} }

func (c *ConsoleOutput) Publish(msg report.Message) error {
	fmt.Printf("%s %s %s\n", c.now().Format(time.RFC3339), msg.Kind, msg.Body)
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
