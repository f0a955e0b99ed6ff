package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of all controller topics.
const DefaultTopicPrefix = "classroom"

const (
	kindCommand = "command"
	kindState   = "state"
	kindHello   = "hello"
)

// Topics builds the per-controller topic hierarchy:
//
//	<prefix>/<address>/command  service -> controller
//	<prefix>/<address>/state    controller -> service
//	<prefix>/<address>/hello    controller -> service, identification
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Command returns the command topic of a controller.
//
// Example: classroom/aa:bb:cc:dd:ee:01/command
func (t Topics) Command(address string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), address, kindCommand)
}

// State returns the subscription pattern for state reports of all controllers.
func (t Topics) State() string {
	return fmt.Sprintf("%s/+/%s", t.prefix(), kindState)
}

// Hello returns the subscription pattern for identification messages.
func (t Topics) Hello() string {
	return fmt.Sprintf("%s/+/%s", t.prefix(), kindHello)
}

// StateOf returns the state topic of one controller.
func (t Topics) StateOf(address string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), address, kindState)
}

// HelloOf returns the identification topic of one controller.
func (t Topics) HelloOf(address string) string {
	return fmt.Sprintf("%s/%s/%s", t.prefix(), address, kindHello)
}

// Parse extracts the controller address and message kind from a topic.
func (t Topics) Parse(topic string) (address, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
