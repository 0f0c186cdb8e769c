// ABOUTME: Closed set of messaging channels the orchestrator speaks to
// ABOUTME: Chat channels get idle timeouts and single open sessions; email does not

package channel

import "fmt"

// Channel identifies one external messaging surface.
type Channel string

const (
	WhatsApp  Channel = "whatsapp"
	Instagram Channel = "instagram"
	Email     Channel = "email"
)

// All lists every supported channel.
var All = []Channel{WhatsApp, Instagram, Email}

// Chat lists the push-style chat channels.
var Chat = []Channel{WhatsApp, Instagram}

// IsChat reports whether c is a chat channel (one open session per user, idle timeout).
func (c Channel) IsChat() bool {
	return c == WhatsApp || c == Instagram
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case WhatsApp, Instagram, Email:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Parse converts a wire value into a Channel.
func Parse(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}
