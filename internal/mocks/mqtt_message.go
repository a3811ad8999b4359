package mocks

import "sync/atomic"

// MockMessage is an inbound MQTT.Message delivered by hand to a subscription handler.
type MockMessage struct {
	TopicName string
	Body      []byte
	QoS       byte
	acks      atomic.Int32
}

// NewMockMessage returns a QoS 1 message on topic.
func NewMockMessage(topic string, payload []byte) *MockMessage {
	return &MockMessage{TopicName: topic, Body: payload, QoS: 1}
}

func (m *MockMessage) Payload() []byte   { return m.Body }
func (m *MockMessage) Topic() string     { return m.TopicName }
func (m *MockMessage) Qos() byte         { return m.QoS }
func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Ack()              { m.acks.Add(1) }

// Acks returns how many times the handler acknowledged the message.
func (m *MockMessage) Acks() int32 { return m.acks.Load() }
