package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/gcquraishi/chronosgraph/internal/metrics"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

// Consume feeds messages from queueNames to h until ctx is done. A single
// channel with prefetch 1 is shared by all queues, so only one message is
// processed at a time across them.
func Consume(ctx context.Context, conn *amqp091.Connection, queueNames []string, h *Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, true); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	type queuedMessage struct {
		msg       amqp091.Delivery
		queueName string
	}
	messageChan := make(chan queuedMessage)

	for _, queueName := range queueNames {
		msgs, err := ch.Consume(
			queueName,
			queueName+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queueName, err)
		}
		go func(qName string, msgs <-chan amqp091.Delivery) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("[Queue] Message channel closed", "queue", qName)
						return
					}
					select {
					case messageChan <- queuedMessage{msg: msg, queueName: qName}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(queueName, msgs)
	}

	logger.Info("[Queue] Listening for messages", "queues", queueNames)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping message processor")
			return nil
		case qm := <-messageChan:
			process(ctx, ch, h, qm.msg, qm.queueName)
		}
	}
}

func process(ctx context.Context, ch Channel, h *Handler, msg amqp091.Delivery, queueName string) {
	start := time.Now()
	logger.Info("[Queue] Received message", "queue", queueName)

	err := h.Handle(ctx, queueName, msg.Body)
	h.reportUsage()
	if err != nil {
		logger.Error("[Queue] Error processing message", "queue", queueName, "err", err)
		handleProcessingError(ch, msg, queueName, IsPermanent(err))
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "queue", queueName, "err", err)
	}
	metrics.ObserveMessage(queueName, metrics.OutcomeAck)
	logger.Info("[Queue] Message processed", "queue", queueName, "duration", clock(time.Since(start)))
}

func retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// handleProcessingError moves a failed message to the retry queue, or to
// the dead-letter queue once it is permanent or out of retries. The
// original is acked only after the copy was published.
func handleProcessingError(ch Channel, msg amqp091.Delivery, queueName string, permanent bool) {
	n := retries(msg.Headers)
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	target, outcome := queueName+"_retry", metrics.OutcomeRetry
	if permanent || n >= MaxRetries {
		target, outcome = queueName+"_dlq", metrics.OutcomeDLQ
	} else {
		headers["x-retries"] = int32(n + 1)
	}

	err := ch.Publish(
		"",
		target,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		logger.Error("[Queue] Failed to republish message", "queue", target, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "queue", queueName, "err", err)
	}
	metrics.ObserveMessage(queueName, outcome)
	logger.Info("[Queue] Message rescheduled", "queue", target, "retries", n)
}
