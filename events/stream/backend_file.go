package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chassis/internal/runtime/config"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
)

// FileBackend appends messages of every topic as JSON lines to one file and
// tails it. Subscribers start at the end of the file.
const FileBackend = "file"

// DefaultFilePath is used when events.stream.file_path is empty.
const DefaultFilePath = "chassis_events.log"

const filePollInterval = 50 * time.Millisecond

type fileLine struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
}

func buildFile(_ context.Context, cfg configpkg.StreamEventsConfig, logger watermill.LoggerAdapter) (Backend, error) {
	path := cfg.FilePath
	if path == "" {
		path = DefaultFilePath
	}
	pubSub := &filePubSub{path: path, logger: logger.With(watermill.LogFields{"file": path})}
	return Backend{Publisher: pubSub, Subscriber: pubSub}, nil
}

type filePubSub struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (f *filePubSub) Publish(topic string, msgs ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("file backend is closed")
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, msg := range msgs {
		line, err := jsoncodec.Marshal(fileLine{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Subscribe tails the file from its current end. The returned channel closes
// when ctx is done or the file cannot be read any more.
func (f *filePubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("file backend is closed")
	}

	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	out := make(chan *message.Message)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(out)
		defer file.Close()
		f.tail(ctx, file, pos, topic, out)
	}()
	return out, nil
}

func (f *filePubSub) tail(ctx context.Context, file *os.File, pos int64, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(file)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		switch {
		case err == nil:
			pos += int64(len(partial))
			line := partial
			partial = nil
			if !f.emit(ctx, line, topic, out) {
				return
			}
			continue
		case !errors.Is(err, io.EOF):
			f.logger.Error("reading events file failed", err, nil)
			return
		}

		// Half-written lines are kept in partial until the newline arrives.
		select {
		case <-ctx.Done():
			return
		case <-time.After(filePollInterval):
		}
		if _, err := file.Seek(pos+int64(len(partial)), io.SeekStart); err != nil {
			f.logger.Error("seeking events file failed", err, nil)
			return
		}
		reader.Reset(file)
	}
}

func (f *filePubSub) emit(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var fl fileLine
	if err := jsoncodec.Unmarshal(line, &fl); err != nil {
		f.logger.Error("skipping malformed events line", err, nil)
		return true
	}
	if fl.Topic != topic {
		return true
	}

	msg := message.NewMessage(fl.UUID, fl.Payload)
	msg.Metadata = fl.Metadata
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		f.logger.Debug("message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	}
	return true
}

// Close stops accepting work and waits for running tails, which end with
// their subscription context.
func (f *filePubSub) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}
