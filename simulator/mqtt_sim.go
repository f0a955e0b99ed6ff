package main

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const connectTimeout = 30 * time.Second

// boardOptions connects like the relay firmware: a clean session per boot,
// a short keepalive, and on every (re)connect the command subscription and
// a fresh hello.
func boardOptions(broker string, b *SimulatedBoard) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("relay-" + strings.ReplaceAll(b.Address, ":", "")).
		SetCleanSession(true).
		SetKeepAlive(15 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.log.Warnf("connection lost: %v", err)
	})
	return opts
}

func connect(cli paho.Client, broker string) error {
	token := cli.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect %s: timeout after %s", broker, connectTimeout)
	}
	return token.Error()
}
