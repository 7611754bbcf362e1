package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Topology names. The dead-letter exchange is declared for future routing
// and currently receives nothing.
const (
	BuildExchange  = "ops.build"
	RunnerExchange = "ops.runner"
	DLQExchange    = "ops.build.dlq"

	StatusQueue = "build.status.queue"
	LogQueue    = "build.log.queue"

	statusBinding = "build.status.#"
	logBinding    = "build.log.#"
)

// ErrUnavailable wraps any broker transport failure, including a publish
// that was not confirmed.
var ErrUnavailable = errors.New("broker unavailable")

const confirmTimeout = 10 * time.Second

// Gateway owns the AMQP connection, the declared topology, and the two
// reply consumers.
type Gateway struct {
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// Connect dials the broker, declares the exchanges and reply queues, and
// enables publisher confirms.
func Connect(url string, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: channel: %v", ErrUnavailable, err)
	}

	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: enable confirms: %v", ErrUnavailable, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Gateway{logger: logger, conn: conn, ch: ch, confirms: confirms}, nil
}

func declareTopology(ch *amqp.Channel) error {
	for _, ex := range []struct {
		name, kind string
	}{
		{BuildExchange, "topic"},
		{RunnerExchange, "direct"},
		{DLQExchange, "topic"},
	} {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare exchange %s: %v", ErrUnavailable, ex.name, err)
		}
	}

	for _, q := range []struct {
		name, binding string
	}{
		{StatusQueue, statusBinding},
		{LogQueue, logBinding},
	} {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare queue %s: %v", ErrUnavailable, q.name, err)
		}
		if err := ch.QueueBind(q.name, q.binding, BuildExchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind queue %s: %v", ErrUnavailable, q.name, err)
		}
	}
	return nil
}

// Close tears the connection down.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}

// PublishBuildTask dispatches a build task directly to the named runner on
// `build.<type>.<runner>`, or broadcast on `build.<type>` when runnerName
// is empty (legacy binding). The publish is persistent and must be
// confirmed; an unconfirmed publish is a failure.
func (g *Gateway) PublishBuildTask(msg BuildTaskMessage, runnerName string) error {
	key := "build." + msg.Build.BuildType
	if runnerName != "" {
		key += "." + runnerName
	}
	return g.publish(BuildExchange, key, msg)
}

// SignalRunner publishes an ad-hoc control payload to one runner via the
// direct exchange.
func (g *Gateway) SignalRunner(runnerName string, payload any) error {
	return g.publish(RunnerExchange, runnerName, payload)
}

func (g *Gateway) publish(exchange, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", key, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		return ErrUnavailable
	}

	err = g.ch.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, key, err)
	}

	select {
	case confirm, ok := <-g.confirms:
		if !ok || !confirm.Ack {
			return fmt.Errorf("%w: publish %s not acknowledged", ErrUnavailable, key)
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("%w: publish %s confirm timed out", ErrUnavailable, key)
	}
}

// StatusHandler persists one status update. A returned error leaves the
// message unacknowledged exactly once: it is dead-ended rather than
// requeued so a poison message cannot loop.
type StatusHandler func(msg BuildStatusMessage) error

// LogHandler persists one log chunk.
type LogHandler func(msg BuildLogMessage) error

// ConsumeStatus drains the status queue until ctx is cancelled. One message
// at a time (prefetch=1), ack after successful persistence. Malformed
// payloads are acked and logged.
func (g *Gateway) ConsumeStatus(ctx context.Context, handle StatusHandler) error {
	return g.consume(ctx, StatusQueue, func(body []byte) error {
		var msg BuildStatusMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return errMalformed(err)
		}
		return handle(msg)
	})
}

// ConsumeLogs drains the log queue until ctx is cancelled.
func (g *Gateway) ConsumeLogs(ctx context.Context, handle LogHandler) error {
	return g.consume(ctx, LogQueue, func(body []byte) error {
		var msg BuildLogMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return errMalformed(err)
		}
		return handle(msg)
	})
}

type malformedError struct{ err error }

func (e malformedError) Error() string { return "malformed message: " + e.err.Error() }

func errMalformed(err error) error { return malformedError{err: err} }

func (g *Gateway) consume(ctx context.Context, queue string, handle func([]byte) error) error {
	ch, err := g.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: consumer channel: %v", ErrUnavailable, err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("%w: qos: %v", ErrUnavailable, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %v", ErrUnavailable, queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: consumer for %s closed", ErrUnavailable, queue)
			}

			err := handle(d.Body)
			var malformed malformedError
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.As(err, &malformed):
				g.logger.Warn("discarding malformed broker message",
					zap.String("queue", queue),
					zap.Error(err),
				)
				_ = d.Ack(false)
			default:
				g.logger.Error("broker message handler failed",
					zap.String("queue", queue),
					zap.Error(err),
				)
				_ = d.Nack(false, false)
			}
		}
	}
}
