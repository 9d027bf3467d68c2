package notify

import (
	"context"
	"strings"

	"github.com/gen2brain/beeep"
)

// Desktop shows payloads as local desktop notifications.
type Desktop struct {
	notify func(title, message string, icon any) error
}

// NewDesktop creates a desktop channel.
func NewDesktop() *Desktop {
	return &Desktop{notify: beeep.Notify}
}

func (d *Desktop) Name() string { return TypeDesktop }

// Send uses the first line of payload as the title.
func (d *Desktop) Send(ctx context.Context, payload string) error {
	if err := ctx.Err(); err != nil {
		return Transient(d.Name(), err)
	}
	title, body, _ := strings.Cut(strings.TrimSpace(payload), "\n")
	if err := d.notify(title, strings.TrimSpace(body), ""); err != nil {
		return Transient(d.Name(), err)
	}
	return nil
}
