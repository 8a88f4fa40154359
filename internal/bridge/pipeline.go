package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
)

// DefaultEventTimeout bounds how long the pipeline waits for all of its
// interceptors to complete one event.
const DefaultEventTimeout = 5 * time.Second

// Interceptor observes or vetoes bridge events. Intercept must call
// ev.Complete exactly once, from any goroutine.
type Interceptor interface {
	Intercept(ev *Event)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ev *Event)

func (f InterceptorFunc) Intercept(ev *Event) { f(ev) }

// Pipeline runs every bridge event through its interceptors, in the order
// they were added, before the action takes effect.
type Pipeline struct {
	mu           sync.RWMutex
	interceptors []Interceptor
	timeout      time.Duration
	log          zerolog.Logger
}

// NewPipeline returns a pipeline with the given per-event timeout.
// A non-positive timeout selects DefaultEventTimeout.
func NewPipeline(timeout time.Duration, interceptors ...Interceptor) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	return &Pipeline{
		interceptors: interceptors,
		timeout:      timeout,
		log:          log.WithComponent("pipeline"),
	}
}

// Use appends an interceptor.
func (p *Pipeline) Use(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interceptors = append(p.interceptors, i)
}

// Evaluate returns nil if every interceptor allowed ev. A deny stops the
// chain and returns ErrPolicyDenied. The whole chain shares one timeout;
// once it passes, the interceptor still running is denied and
// ErrPipelineTimeout is returned. An empty pipeline allows everything.
func (p *Pipeline) Evaluate(ctx context.Context, ev *Event) error {
	p.mu.RLock()
	chain := p.interceptors
	p.mu.RUnlock()
	if len(chain) == 0 {
		return nil
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for i, interceptor := range chain {
		stage := ev.fork()
		go p.run(interceptor, stage)

		select {
		case <-stage.done:
		case <-timer.C:
			stage.Complete(false)
			metrics.Mark("bridge.pipeline.timeouts", 1)
			p.log.Warn().
				Str(log.FieldEventType, string(ev.Type)).
				Str(log.FieldConnID, ev.ConnID).
				Int("interceptor", i).
				Msg("bridge event not completed, denying")
			return fmt.Errorf("%s interceptor %d: %w", ev.Type, i, ErrPipelineTimeout)
		case <-ctx.Done():
			stage.Complete(false)
			return fmt.Errorf("%s interceptor %d: %w", ev.Type, i, ErrConnectionClosed)
		}
		if !stage.allowed {
			return fmt.Errorf("%s denied by interceptor %d: %w", ev.Type, i, ErrPolicyDenied)
		}
	}
	return nil
}

func (p *Pipeline) run(interceptor Interceptor, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str(log.FieldEventType, string(ev.Type)).
				Interface("panic", r).
				Msg("interceptor panicked, denying")
			ev.Complete(false)
		}
	}()
	interceptor.Intercept(ev)
}

// LogInterceptor logs every event at debug level and allows it.
func LogInterceptor(l zerolog.Logger) Interceptor {
	return InterceptorFunc(func(ev *Event) {
		l.Debug().
			Str(log.FieldEventType, string(ev.Type)).
			Str(log.FieldConnID, ev.ConnID).
			RawJSON("raw", rawOrNull(ev.RawMessage())).
			Msg("bridge event")
		ev.Complete(true)
	})
}

// MetricsInterceptor counts events per type and allows them.
func MetricsInterceptor() Interceptor {
	return InterceptorFunc(func(ev *Event) {
		metrics.Mark("bridge.events."+strings.ToLower(string(ev.Type)), 1)
		ev.Complete(true)
	})
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
