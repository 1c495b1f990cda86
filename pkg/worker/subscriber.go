package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// NewFromConfig creates a worker consuming every configured driver.
func NewFromConfig(cfg internal.WatermillConfig, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSubscriber(sub))
	return New(opts...), nil
}

// BuildSubscriber builds the subscriber side of each configured driver. A
// driver that cannot be built is logged and skipped; with more than one left
// the work items are fanned into a single stream tagged with their driver.
// River jobs are consumed by RiverWorker, not here.
func BuildSubscriber(cfg internal.WatermillConfig) (message.Subscriber, error) {
	logger := internal.NewLogger("subscriber")

	subs := make([]namedSubscriber, 0)
	for _, driver := range cfg.DriverNames() {
		if driver == "riverqueue" {
			logger.Infow("riverqueue jobs are consumed by the river worker, skipping", "driver", driver)
			continue
		}
		sub, err := internal.NewSubscriber(cfg, driver)
		if err != nil {
			logger.Errorw("subscriber init failed, skipping driver", "driver", driver, "error", err)
			continue
		}
		subs = append(subs, namedSubscriber{driver: driver, sub: sub})
	}

	switch len(subs) {
	case 0:
		return nil, errors.New("no supported subscriber drivers configured")
	case 1:
		return subs[0].sub, nil
	}
	return &multiSubscriber{
		subscribers: subs,
		bufferSize:  cfg.GoChannel.OutputChannelBuffer,
	}, nil
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

type multiSubscriber struct {
	subscribers []namedSubscriber
	bufferSize  int64
}

func (m *multiSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	buffer := m.bufferSize
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *message.Message, buffer)

	var wg sync.WaitGroup
	for _, entry := range m.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(ch <-chan *message.Message, driver string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if msg.Metadata == nil {
						msg.Metadata = message.Metadata{}
					}
					msg.Metadata.Set("driver", driver)
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch, entry.driver)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (m *multiSubscriber) Close() error {
	var err error
	for _, entry := range m.subscribers {
		err = errors.Join(err, entry.sub.Close())
	}
	return err
}

// httpServer is implemented by subscribers that own a listener, such as the
// http driver. The server may only start once every topic is subscribed.
type httpServer interface {
	StartHTTPServer() error
}

func serversOf(sub message.Subscriber) []httpServer {
	switch s := sub.(type) {
	case *multiSubscriber:
		var out []httpServer
		for _, entry := range s.subscribers {
			out = append(out, serversOf(entry.sub)...)
		}
		return out
	case httpServer:
		return []httpServer{s}
	}
	return nil
}

func (w *Worker) startServers() {
	for _, srv := range serversOf(w.subscriber) {
		go func(srv httpServer) {
			if err := srv.StartHTTPServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Errorw("subscriber http server stopped", "error", err)
			}
		}(srv)
	}
}
