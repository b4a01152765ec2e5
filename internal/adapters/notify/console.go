package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Console writes alerts to a writer, one timestamped line each.
type Console struct {
	out io.Writer
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole() *Console { return &Console{out: os.Stdout} }

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer) *Console { return &Console{out: w} }

func (c *Console) Notify(_ context.Context, text string) {
	fmt.Fprintf(c.out, "[%s] %s\n", time.Now().Format("15:04:05"), text)
}
