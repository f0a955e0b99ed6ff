package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/switchyard/app"
	"github.com/kilianp07/switchyard/auth"
	"github.com/kilianp07/switchyard/config"
	"github.com/kilianp07/switchyard/core/dispatch"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/infra/mongo"
	"github.com/kilianp07/switchyard/infra/mqtt"
	"github.com/kilianp07/switchyard/test/util"
)

// simController behaves like a relay board: it answers hello, executes
// commands after checking their token and reports the new state.
type simController struct {
	cli     paho.Client
	address string
	secret  string
	tokens  *auth.DeviceTokens
	topics  mqtt.Topics
}

func startSimController(t *testing.T, broker, address, secret string) *simController {
	t.Helper()
	sc := &simController{
		address: address,
		secret:  secret,
		tokens:  auth.NewDeviceTokens(auth.Conf{}, nil),
		topics:  mqtt.Topics{},
	}
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("sim-" + address)
	sc.cli = paho.NewClient(opts)
	tok := sc.cli.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { sc.cli.Disconnect(100) })

	sub := sc.cli.Subscribe(sc.topics.Command(address), 1, func(_ paho.Client, msg paho.Message) {
		var cmd model.Command
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			return
		}
		ctrl := model.Controller{Address: address, Secret: secret}
		if _, err := sc.tokens.Verify(ctrl, cmd.AuthToken); err != nil {
			return
		}
		sc.publish(sc.topics.StateOf(address), map[string]any{
			"controller_address": address,
			"switch_id":          cmd.SwitchID,
			"state":              cmd.State,
			"timestamp":          time.Now().UTC(),
		})
	})
	require.True(t, sub.WaitTimeout(5*time.Second))
	require.NoError(t, sub.Error())
	return sc
}

func (sc *simController) publish(topic string, v any) {
	data, _ := json.Marshal(v)
	sc.cli.Publish(topic, 1, false, data).Wait()
}

func (sc *simController) hello() {
	sc.publish(sc.topics.HelloOf(sc.address), map[string]any{"controller_address": sc.address, "secret": sc.secret, "timestamp": time.Now().UTC()})
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSwitchyardAgainstBrokerAndMongo(t *testing.T) {
	util.RequireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	broker, stopBroker, err := util.StartMosquitto(ctx)
	if err != nil {
		t.Skipf("mosquitto container: %v", err)
	}
	defer stopBroker()
	mongoURI, stopMongo, err := util.StartMongo(ctx)
	if err != nil {
		t.Skipf("mongo container: %v", err)
	}
	defer stopMongo()

	pin := func(i int) *int { return &i }
	cfg := &config.Config{Dispatch: dispatch.DefaultConfig()}
	cfg.MQTT = mqtt.Config{Broker: broker, ClientID: "switchyard-e2e"}
	cfg.Mongo = mongo.Config{URI: mongoURI, Database: "e2e"}
	cfg.HTTP.Addr = freeAddr(t)
	cfg.Metrics.PrometheusAddr = freeAddr(t)
	cfg.Controllers = []config.ControllerSeed{{
		ID: "c1", Address: "aa:bb:cc:00:00:01", Classroom: "B204", Secret: "relay-secret",
		Switches: []config.SwitchSeed{{ID: "s1", Pin: pin(4)}, {ID: "s2", Pin: pin(5)}, {ID: "s3", Pin: pin(12)}, {ID: "s4", Pin: pin(13)}, {ID: "s5", Pin: pin(14)}},
	}}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	svc, err := app.New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	sim := startSimController(t, broker, "aa:bb:cc:00:00:01", "relay-secret")
	sim.hello()
	require.Eventually(t, func() bool {
		c, err := svc.Store.Controller(ctx, "c1")
		return err == nil && c.Identified
	}, 10*time.Second, 50*time.Millisecond)

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	var changes []string
	for i := 1; i <= 5; i++ {
		changes = append(changes, fmt.Sprintf(`{"controller_id":"c1","switch_id":"s%d","state":true}`, i))
	}
	resp, err := http.Post(srv.URL+"/api/switches/changes", "application/json",
		strings.NewReader(`{"changes":[`+strings.Join(changes, ",")+`]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res dispatch.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Len(t, res.Successful, 5)
	assert.Empty(t, res.Failed)

	c, err := svc.Store.Controller(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Sequence)
	for _, sw := range c.Switches {
		assert.True(t, sw.State, sw.ID)
	}

	metricsCtx, cancelMetrics := context.WithTimeout(ctx, util.MetricTimeout)
	defer cancelMetrics()
	require.NoError(t, util.WaitForMetric(metricsCtx, "http://"+cfg.Metrics.PrometheusAddr+"/metrics", `switch_commands_total{kind="",outcome="success"} 5`))
}
