package code

import (
	"fmt"
	"strings"
)

// Channel is one fixed logical source of codes.
type Channel int

const (
	HTTP Channel = iota
	Telnet
	File
	USB
	Aux
	Trigger
	Queue
	LCD
	SBC
	Daemon
	Aux2
	Autopause
	File2
	Queue2
)

// ChannelCount is the number of logical channels.
const ChannelCount = int(Queue2) + 1

var channelNames = [ChannelCount]string{
	"HTTP", "Telnet", "File", "USB", "Aux", "Trigger", "Queue",
	"LCD", "SBC", "Daemon", "Aux2", "Autopause", "File2", "Queue2",
}

// Channels returns every channel in dispatch order.
func Channels() []Channel {
	out := make([]Channel, ChannelCount)
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}

func (c Channel) String() string {
	if c < 0 || int(c) >= ChannelCount {
		return fmt.Sprintf("Channel(%d)", int(c))
	}
	return channelNames[c]
}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	return c >= 0 && int(c) < ChannelCount
}

// IsFile reports whether c is one of the job file channels.
func (c Channel) IsFile() bool {
	return c == File || c == File2
}

// ParseChannel resolves a channel name case-insensitively.
func ParseChannel(s string) (Channel, error) {
	for i, name := range channelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

func (c Channel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid channel %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(b []byte) error {
	parsed, err := ParseChannel(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
