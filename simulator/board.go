package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/switchyard/auth"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/infra/logger"
	"github.com/kilianp07/switchyard/infra/mqtt"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// SimulatedBoard is a relay board: it announces itself, executes commands
// and reports switch states.
type SimulatedBoard struct {
	Address  string
	Secret   string
	Switches int
	Strategy ReportStrategy
	Topics   mqtt.Topics
	// Heartbeat is the interval of empty state reports. Zero disables them.
	Heartbeat time.Duration
	// Verifier, when set, rejects commands whose token does not validate.
	Verifier *auth.DeviceTokens

	mu     sync.Mutex
	states map[string]bool
	pub    publisher
	cmdCh  chan model.Command
	log    logger.Logger
}

// NewSimulatedBoard creates a board with all switches off.
func NewSimulatedBoard(address, secret string, switches int, strat ReportStrategy) *SimulatedBoard {
	return &SimulatedBoard{
		Address:  address,
		Secret:   secret,
		Switches: switches,
		Strategy: strat,
		states:   make(map[string]bool),
		cmdCh:    make(chan model.Command, 50),
		log:      logger.New("sim-" + address),
	}
}

// State returns the relay state of a switch.
func (b *SimulatedBoard) State(switchID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[switchID]
}

// Run connects to the broker and serves commands until ctx is done.
func (b *SimulatedBoard) Run(ctx context.Context, broker string) error {
	for i := 0; i < 4; i++ {
		go b.worker(ctx)
	}
	cli := paho.NewClient(boardOptions(broker, b))
	b.pub = cli
	if err := connect(cli, broker); err != nil {
		return err
	}
	defer cli.Disconnect(250)
	if b.Heartbeat <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(b.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.report(model.ControllerReport{Address: b.Address, Timestamp: time.Now().UTC()})
		}
	}
}

func (b *SimulatedBoard) onConnect(c paho.Client) {
	if token := c.Subscribe(b.Topics.Command(b.Address), 1, b.onCommand); token.Wait() && token.Error() != nil {
		b.log.Errorf("subscribe commands: %v", token.Error())
		return
	}
	b.hello()
}

func (b *SimulatedBoard) hello() {
	b.publish(b.Topics.HelloOf(b.Address), model.ControllerReport{
		Address: b.Address, Hello: true, Secret: b.Secret, Timestamp: time.Now().UTC(),
	})
}

func (b *SimulatedBoard) onCommand(_ paho.Client, msg paho.Message) {
	var cmd model.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		b.log.Warnf("decode command: %v", err)
		return
	}
	select {
	case b.cmdCh <- cmd:
	default:
		b.log.Warnf("command queue full, dropping command %s", cmd.CommandID)
	}
}

func (b *SimulatedBoard) worker(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			rep, ok := b.execute(cmd)
			if !ok || !b.Strategy.Wait(ctx) {
				continue
			}
			b.report(rep)
		case <-ctx.Done():
			return
		}
	}
}

// execute drives the relay. Commands with an invalid token or an unknown
// switch are ignored.
func (b *SimulatedBoard) execute(cmd model.Command) (model.ControllerReport, bool) {
	if b.Verifier != nil {
		ctrl := model.Controller{Address: b.Address, Secret: b.Secret}
		claims, err := b.Verifier.Verify(ctrl, cmd.AuthToken)
		if err != nil {
			b.log.Warnf("rejected command %s: %v", cmd.CommandID, err)
			return model.ControllerReport{}, false
		}
		if claims.SwitchID != cmd.SwitchID {
			b.log.Warnf("rejected command %s: token issued for switch %s", cmd.CommandID, claims.SwitchID)
			return model.ControllerReport{}, false
		}
	}
	if !b.known(cmd.SwitchID) {
		b.log.Warnf("unknown switch %s", cmd.SwitchID)
		return model.ControllerReport{}, false
	}
	b.mu.Lock()
	b.states[cmd.SwitchID] = cmd.State
	b.mu.Unlock()
	return model.ControllerReport{
		Address:   b.Address,
		SwitchID:  cmd.SwitchID,
		State:     cmd.State,
		Timestamp: time.Now().UTC(),
	}, true
}

func (b *SimulatedBoard) known(switchID string) bool {
	for _, id := range switchIDs(b.Switches) {
		if id == switchID {
			return true
		}
	}
	return false
}

func (b *SimulatedBoard) report(rep model.ControllerReport) {
	b.publish(b.Topics.StateOf(b.Address), rep)
}

func (b *SimulatedBoard) publish(topic string, v any) {
	if b.pub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Errorf("marshal report: %v", err)
		return
	}
	token := b.pub.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		b.log.Warnf("report publish timeout on %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.log.Errorf("publish report on %s: %v", topic, err)
	}
}
