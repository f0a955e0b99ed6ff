package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	// PublishTimeout bounds the wait for the broker to accept a publish.
	PublishTimeout time.Duration `json:"publish_timeout"`
	// ReportBuffer is the capacity of the report channel.
	ReportBuffer int         `json:"report_buffer"`
	TLSConfig    *tls.Config `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements transport.Transport using Eclipse Paho.
type PahoClient struct {
	cli     pahoClient
	topics  Topics
	qos     map[string]byte
	timeout time.Duration
	reports chan model.ControllerReport
	dropped atomic.Uint64
	logger  logger.Logger
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the report
// topics. Subscriptions are renewed on every reconnect.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = 256
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		topics:  Topics{Prefix: cfg.TopicPrefix},
		qos:     cfg.QoS,
		timeout: cfg.PublishTimeout,
		reports: make(chan model.ControllerReport, cfg.ReportBuffer),
		logger:  log,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := pc.qosFor("report")
		for _, topic := range []string{pc.topics.State(), pc.topics.Hello()} {
			if token := c.Subscribe(topic, qos, pc.onReport); token.Wait() && token.Error() != nil {
				log.Errorf("subscribe %s: %v", topic, token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) log() logger.Logger {
	if p.logger == nil {
		return logger.NopLogger{}
	}
	return p.logger
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 1
}

// Publish sends the command to the controller command topic. It returns
// false when the client is disconnected, the broker did not accept the
// message in time, or ctx expired first. It never panics.
func (p *PahoClient) Publish(ctx context.Context, address string, cmd model.Command) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log().Errorf("publish to %s panicked: %v", address, r)
			accepted = false
		}
	}()
	if err := ctx.Err(); err != nil {
		return false
	}
	if p.cli == nil || !p.cli.IsConnected() {
		p.log().Warnf("publish to %s skipped: not connected", address)
		return false
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		p.log().Errorf("encode command %s: %v", cmd.CommandID, err)
		return false
	}
	topic := p.topics.Command(address)
	token := p.cli.Publish(topic, p.qosFor("command"), false, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.log().Warnf("publish %s to %s abandoned: %v", cmd.CommandID, topic, ctx.Err())
		return false
	case <-timer.C:
		p.log().Warnf("publish %s to %s timed out", cmd.CommandID, topic)
		return false
	}
	if err := token.Error(); err != nil {
		p.log().Errorf("publish %s to %s: %v", cmd.CommandID, topic, err)
		return false
	}
	p.log().Debugf("sent command %s to %s", cmd.CommandID, topic)
	return true
}

// Reports returns the channel of parsed controller reports.
func (p *PahoClient) Reports() <-chan model.ControllerReport { return p.reports }

// Dropped returns the number of reports lost because the channel was full.
func (p *PahoClient) Dropped() uint64 { return p.dropped.Load() }

func (p *PahoClient) onReport(_ paho.Client, msg paho.Message) {
	address, kind, ok := p.topics.Parse(msg.Topic())
	if !ok || (kind != kindState && kind != kindHello) {
		p.log().Warnf("ignoring message on %s", msg.Topic())
		return
	}
	var rep model.ControllerReport
	if err := json.Unmarshal(msg.Payload(), &rep); err != nil {
		p.log().Errorf("failed to decode report on %s: %v", msg.Topic(), err)
		return
	}
	rep.Address = address
	rep.Hello = kind == kindHello
	select {
	case p.reports <- rep:
	default:
		p.dropped.Add(1)
		p.log().Warnf("report channel full, dropping report from %s", address)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
