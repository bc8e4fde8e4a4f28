package calib

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Publisher sends fit progress to MQTT: one message per step on
// <prefix>/step and the final report on <prefix>/result
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           zerolog.Logger
	steps         []StepReport
	mu            sync.RWMutex
}

// NewPublisher creates a progress publisher.
// If client is nil, publishing is disabled and steps are only recorded.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "jointfit"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        false,
		log:           zerolog.Nop(),
	}
}

// SetLogger sets the logger used for publish failures
func (p *Publisher) SetLogger(l zerolog.Logger) { p.log = l }

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Observe is a step observer for Fitter.OnStep. Publish failures are logged.
func (p *Publisher) Observe(r StepReport) {
	if err := p.PublishStep(r); err != nil {
		p.log.Warn().Err(err).Int("step", r.Step).Msg("step not published")
	}
}

// PublishStep records a step and publishes it
func (p *Publisher) PublishStep(r StepReport) error {
	p.mu.Lock()
	p.steps = append(p.steps, r)
	p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	return p.publish("step", r)
}

// PublishResult publishes the final report of a run
func (p *Publisher) PublishResult(report *Report) error {
	if p.client == nil {
		return nil
	}
	msg := map[string]interface{}{
		"steps":           report.Steps,
		"chi2":            report.Final.Value,
		"ndof":            report.Final.NDof,
		"outliersRemoved": report.OutliersRemoved,
		"converged":       report.Converged,
		"timestamp":       time.Now().Unix(),
	}
	if report.Warning != nil {
		msg["warning"] = report.Warning.Error()
	}
	return p.publish("result", msg)
}

func (p *Publisher) publish(suffix string, v interface{}) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Steps returns a copy of the recorded steps
func (p *Publisher) Steps() []StepReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]StepReport(nil), p.steps...)
}
