package queue

import "fmt"

// ChannelConfig describes the redis key name of each queue channel.
type ChannelConfig struct {
	Waiting    string
	Delayed    string
	Reserved   string
	DeadLetter string
	Records    string
	Completed  string
}

// Channels derives the per-channel redis keys from a shared prefix. The hash
// tag keeps all channels of one queue on the same redis cluster slot.
func Channels(prefix string) ChannelConfig {
	return ChannelConfig{
		Waiting:    fmt.Sprintf("{%s}:waiting", prefix),
		Delayed:    fmt.Sprintf("{%s}:delayed", prefix),
		Reserved:   fmt.Sprintf("{%s}:reserved", prefix),
		DeadLetter: fmt.Sprintf("{%s}:deadletter", prefix),
		Records:    fmt.Sprintf("{%s}:records", prefix),
		Completed:  fmt.Sprintf("{%s}:completed", prefix),
	}
}
