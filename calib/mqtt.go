package calib

import (
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ResolveMQTT applies the MQTT_* environment overrides to cfg
func ResolveMQTT(cfg MQTTConfig) MQTTConfig {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker, "MQTT_BROKER")
	override(&cfg.ClientID, "MQTT_CLIENT_ID")
	override(&cfg.Username, "MQTT_USERNAME")
	override(&cfg.Password, "MQTT_PASSWORD")
	override(&cfg.PublishPrefix, "MQTT_PUBLISH_PREFIX")
	if cfg.ClientID == "" {
		cfg.ClientID = "jointfit"
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = "jointfit"
	}
	return cfg
}

// ConnectMQTT connects to the configured broker.
// If no broker is configured, MQTT is disabled and this returns nil, nil.
func ConnectMQTT(cfg MQTTConfig, log zerolog.Logger) (mqtt.Client, error) {
	cfg = ResolveMQTT(cfg)
	if cfg.Broker == "" {
		log.Debug().Msg("mqtt disabled: no broker")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if err := connect(client, 10*time.Second, log); err != nil {
		return nil, err
	}
	return client, nil
}

func connect(client mqtt.Client, timeout time.Duration, log zerolog.Logger) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", err)
	}
	log.Info().Msg("connected to mqtt broker")
	return nil
}
