// Package queue provides utilities for working with message queues using RabbitMQ.
// It implements a service for connecting to RabbitMQ, publishing messages,
// and managing the connection lifecycle.
//
// Features:
//   - RabbitMQ connection management
//   - Message publishing to durable queues
//   - JSON message serialization
//   - Clean resource cleanup
//   - Error handling with wrapped errors
//
// The package publishes common.NotificationPayload, the completion-event
// shape the Pipeline Orchestrator emits once a job's rollup is final.
package queue

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"pipelinecore.evalgo.org/common"
)

// RabbitConfig holds the connection details for one RabbitMQ queue.
type RabbitConfig struct {
	RabbitMQURL string
	QueueName   string
}

// MessagePublisher defines the interface for publishing completion
// notifications. This interface allows for easy mocking and testing of
// message publishing functionality.
type MessagePublisher interface {
	// PublishMessage publishes a job completion notification to the queue.
	// Returns an error if message serialization or publishing fails.
	PublishMessage(payload common.NotificationPayload) error

	// Close closes the connection to the message queue.
	// Returns an error if closing fails.
	Close() error
}

// RabbitMQService represents a service for interacting with RabbitMQ.
// It manages a connection and channel to a RabbitMQ server and provides
// methods for publishing messages to a queue.
type RabbitMQService struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     RabbitConfig
}

// NewRabbitMQService creates a new RabbitMQ service with the provided configuration.
// This function establishes a connection to RabbitMQ, opens a channel,
// and declares the queue specified in the configuration.
//
// The queue is declared as durable, meaning it will survive server restarts.
// If any step fails, the function cleans up any created resources before returning the error.
func NewRabbitMQService(config RabbitConfig) (*RabbitMQService, error) {
	dialer := &RealAMQPDialer{}
	return NewRabbitMQServiceWithDialer(config, dialer)
}

// NewRabbitMQServiceWithDialer creates a new RabbitMQ service with dependency injection.
// This function allows injecting a custom dialer for testing purposes.
func NewRabbitMQServiceWithDialer(config RabbitConfig, dialer AMQPDialer) (*RabbitMQService, error) {
	conn, err := dialer.Dial(config.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		config.QueueName, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitMQService{
		connection: conn,
		channel:    ch,
		config:     config,
	}, nil
}

// PublishMessage publishes a job completion notification to the RabbitMQ
// queue. The payload is serialized to JSON and published to the default
// exchange with the queue name as routing key (§4.1 "publish a completion
// notification").
func (r *RabbitMQService) PublishMessage(payload common.NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.channel.Publish(
		"",                 // exchange (empty string means default exchange)
		r.config.QueueName, // routing key (queue name)
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Printf("Published completion notification for job: %s", payload.JobID)
	return nil
}

// Close closes the RabbitMQ connection and channel.
// This method should be called when the RabbitMQService is no longer needed
// to properly clean up resources.
func (r *RabbitMQService) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}
