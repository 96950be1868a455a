package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttUserBufSize    = 512
)

// MQTTPublisher publishes Status snapshots to an MQTT broker over a
// plain net.Conn, with the broker address supplied as a runtime config
// value rather than a build-time secret.
type MQTTPublisher struct {
	conn     net.Conn
	client   *mqtt.Client
	topic    []byte
	clientID []byte
	userBuf  [mqttUserBufSize]byte
}

// DialMQTTPublisher connects to broker over TCP and performs the MQTT
// CONNECT handshake, publishing future statuses under topic.
func DialMQTTPublisher(ctx context.Context, broker, clientID, topic string) (*MQTTPublisher, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("status: dial mqtt broker %s: %w", broker, err)
	}

	p := &MQTTPublisher{conn: conn, topic: []byte(topic), clientID: []byte(clientID)}
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.userBuf[:]},
	})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(p.clientID)

	conn.SetDeadline(time.Now().Add(mqttConnectTimeout))
	if err := p.client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("status: mqtt connect: %w", err)
	}
	deadline := time.Now().Add(mqttConnectTimeout)
	for !p.client.IsConnected() {
		if time.Now().After(deadline) {
			conn.Close()
			return nil, fmt.Errorf("status: mqtt connect timeout")
		}
		if err := p.client.HandleNext(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("status: mqtt handshake: %w", err)
		}
	}
	conn.SetDeadline(time.Time{})
	return p, nil
}

// Publish encodes s as JSON and publishes it at QoS0 to the configured
// topic.
func (p *MQTTPublisher) Publish(ctx context.Context, s Status) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("status: encode: %w", err)
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return fmt.Errorf("status: publish flags: %w", err)
	}
	pub := mqtt.VariablesPublish{
		TopicName: []byte(p.topic),
		Payload:   payload,
	}
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := p.client.StartPublish(flags, pub); err != nil {
		return fmt.Errorf("status: mqtt publish: %w", err)
	}
	return nil
}

// Close tears down the underlying connection.
func (p *MQTTPublisher) Close() error {
	return p.conn.Close()
}
