// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrPublishTimeout is returned when the remote broker does not acknowledge
// a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// PahoConfig configures the MQTT client.
type PahoConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	// Timeout bounds connect and each publish. Zero selects 5s.
	Timeout time.Duration
}

// PahoPublisher is a Publisher backed by the Eclipse Paho MQTT client.
type PahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewPahoPublisher connects to the configured broker.
func NewPahoPublisher(cfg PahoConfig, log *zap.Logger) (*PahoPublisher, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt bridge connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt bridge connected", zap.String("broker", cfg.BrokerURL))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}
	return &PahoPublisher{client: client, qos: cfg.QoS, timeout: timeout}, nil
}

// Publish implements Publisher.
func (p *PahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return ErrPublishTimeout
	}
}

// Close implements Publisher.
func (p *PahoPublisher) Close() {
	p.client.Disconnect(250)
}
