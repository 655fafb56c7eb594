package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// settingsCommand is the payload accepted on the settings topic.
type settingsCommand struct {
	URL       string `json:"url"`
	Broadcast string `json:"broadcast"`
}

// controlPlane listens on an MQTT topic for settings changes and feeds
// them to the client.
type controlPlane struct {
	client mqtt.Client
	topic  string
}

// startControlPlane connects to the broker and subscribes the settings
// topic. apply runs for every valid message.
func startControlPlane(cfg MQTTConfig, apply func(url, broadcast string)) (*controlPlane, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	handler := func(c mqtt.Client, msg mqtt.Message) {
		var cmd settingsCommand
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			slog.Warn("ignoring malformed settings message",
				"topic", msg.Topic(),
				"error", err,
			)
			return
		}
		slog.Info("settings received over mqtt",
			"url", cmd.URL,
			"broadcast", cmd.Broadcast,
		)
		apply(cmd.URL, cmd.Broadcast)
	}

	token = client.Subscribe(cfg.SettingsTopic, 1, handler)
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe failed: %w", err)
	}

	slog.Info("control plane listening", "topic", cfg.SettingsTopic)
	return &controlPlane{client: client, topic: cfg.SettingsTopic}, nil
}

func (c *controlPlane) Stop() {
	c.client.Unsubscribe(c.topic)
	c.client.Disconnect(250)
}
