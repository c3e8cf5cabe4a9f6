package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/janiolos/SmartPhasorToolBox/errors"
	"github.com/janiolos/SmartPhasorToolBox/natsclient"
)

// Sink accepts measurements for downstream delivery.
type Sink interface {
	Publish(ctx context.Context, m *Measurement) error
	Close() error
}

// Stream layout for the measurement stream.
const (
	DefaultStreamName    = "PDC_MEASUREMENTS"
	DefaultSubjectPrefix = "pdc.measurements"
	DefaultMaxMsgs       = 100_000
)

// JetStreamSink publishes measurements to a JetStream stream, one subject
// per PMU id code.
type JetStreamSink struct {
	client        *natsclient.Client
	subjectPrefix string
}

// NewJetStreamSink ensures the measurement stream exists and returns a
// sink publishing to it.
func NewJetStreamSink(ctx context.Context, client *natsclient.Client, streamName, subjectPrefix string, maxMsgs int64) (*JetStreamSink, error) {
	if streamName == "" {
		streamName = DefaultStreamName
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	if maxMsgs <= 0 {
		maxMsgs = DefaultMaxMsgs
	}

	_, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   maxMsgs,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamSink", "NewJetStreamSink",
			fmt.Sprintf("create stream %s", streamName))
	}

	return &JetStreamSink{
		client:        client,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Publish implements Sink.
func (s *JetStreamSink) Publish(ctx context.Context, m *Measurement) error {
	data, err := m.MarshalPayload()
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%d", s.subjectPrefix, m.IDCode)
	if err := s.client.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "JetStreamSink", "Publish",
			fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Close implements Sink. The NATS connection is owned by the caller.
func (s *JetStreamSink) Close() error {
	return nil
}

// Healthy reports whether the underlying NATS connection can take
// publishes right now.
func (s *JetStreamSink) Healthy() bool {
	return s.client.IsHealthy()
}

// FileSink appends measurements to a file as newline-delimited JSON.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileSink", "NewFileSink", "open output file")
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Publish implements Sink.
func (s *FileSink) Publish(_ context.Context, m *Measurement) error {
	data, err := m.MarshalPayload()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSinkClosed
	}
	if _, err := s.w.Write(data); err != nil {
		return errors.WrapTransient(err, "FileSink", "Publish", "write record")
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return errors.WrapTransient(err, "FileSink", "Publish", "write record")
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return errors.Wrap(err, "FileSink", "Close", "flush output")
	}
	return s.file.Close()
}

// Healthy reports whether the sink still accepts records.
func (s *FileSink) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// MemorySink collects measurements in memory for tests.
type MemorySink struct {
	mu           sync.Mutex
	measurements []*Measurement
	closed       bool

	// PublishDelay, when set, simulates a slow downstream.
	PublishDelay time.Duration
	// FailUntil rejects publishes with a transient error until the
	// given number of attempts have been made.
	FailUntil int
	attempts  int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Sink.
func (s *MemorySink) Publish(ctx context.Context, m *Measurement) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrSinkClosed
	}
	s.attempts++
	if s.attempts <= s.FailUntil {
		s.mu.Unlock()
		return errors.WrapTransient(errors.ErrSinkUnavailable,
			"MemorySink", "Publish", "simulated outage")
	}
	delay := s.PublishDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.measurements = append(s.measurements, m)
	s.mu.Unlock()
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Measurements returns a snapshot of everything published so far.
func (s *MemorySink) Measurements() []*Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Measurement, len(s.measurements))
	copy(out, s.measurements)
	return out
}

// Len returns the number of published measurements.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.measurements)
}
