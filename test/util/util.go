// Package util holds container and polling helpers for the integration
// tests: a Mosquitto broker, a MongoDB server and a metrics poller.
package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MosquittoReadyTimeout = 5 * time.Second
	MetricTimeout         = 5 * time.Second

	pollInterval = 50 * time.Millisecond
)

// mosquittoConf lets anonymous test clients in and keeps the broker
// stateless between runs.
const mosquittoConf = `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
`

// RequireDocker skips the test when no docker binary is available.
func RequireDocker(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
}

// WaitForMetric polls the given metrics URL until the provided substring is
// found in the output or the context is done.
func WaitForMetric(ctx context.Context, metricsURL, substr string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		found, err := scrapeContains(ctx, metricsURL, substr)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("metric %q not found: %w", substr, ctx.Err())
		case <-ticker.C:
		}
	}
}

func scrapeContains(ctx context.Context, metricsURL, substr string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// endpoint not up yet
		return false, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read metrics body: %w", err)
	}
	return strings.Contains(string(body), substr), nil
}

// StartMosquitto runs an eclipse-mosquitto container and returns its broker
// URL once a client can connect.
func StartMosquitto(ctx context.Context) (string, func(), error) {
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "eclipse-mosquitto:2.0",
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
			Files: []tc.ContainerFile{{
				Reader:            strings.NewReader(mosquittoConf),
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
		},
		Started: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start mosquitto: %w", err)
	}
	cleanup := func() { _ = cont.Terminate(context.Background()) }

	broker, err := cont.PortEndpoint(ctx, "1883/tcp", "tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, MosquittoReadyTimeout)
	defer cancel()
	if err := waitForMQTTReady(readyCtx, broker); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("mosquitto not ready at %s: %w", broker, err)
	}
	return broker, cleanup, nil
}

// StartMongo runs a MongoDB container and returns its connection URI.
func StartMongo(ctx context.Context) (string, func(), error) {
	cont, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		return "", nil, fmt.Errorf("start mongo: %w", err)
	}
	cleanup := func() { _ = cont.Terminate(context.Background()) }
	uri, err := cont.ConnectionString(ctx)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return uri, cleanup, nil
}

func waitForMQTTReady(ctx context.Context, broker string) error {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("ready-probe-%d", time.Now().UnixNano())).
		SetConnectTimeout(time.Second)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		cli := paho.NewClient(opts)
		if token := cli.Connect(); token.Wait() && token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
