package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in until stopped.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	errHandler  func(err error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// OnStop runs f once the loop has exited.
func OnStop[T any](f func()) Option[T] {
	return func(l *Listener[T]) {
		l.stopHandler = f
	}
}

// OnError receives handler failures. The loop keeps running afterwards.
func OnError[T any](f func(error)) Option[T] {
	return func(l *Listener[T]) {
		l.errHandler = f
	}
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
		errHandler: func(err error) {
			slog.Error("listener handler failed", "error", err)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
