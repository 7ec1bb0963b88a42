package events

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, evt Event) error {
	f.calls++
	return errors.New("broker down")
}

func TestEmit_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	p := &failingPublisher{}
	evt := New(ReferralApplied, "northside", uuid.New(), "user-1", nil)

	Emit(context.Background(), p, zerolog.New(&buf), evt)

	if p.calls != 1 {
		t.Errorf("expected one publish attempt, got %d", p.calls)
	}
	if !strings.Contains(buf.String(), "failed to publish referral event") {
		t.Errorf("expected warning log, got %s", buf.String())
	}
}

func TestEmit_NilPublisher(t *testing.T) {
	Emit(context.Background(), nil, zerolog.Nop(), New(ReferralUploaded, "p", uuid.New(), "", nil))
}

func TestEmit_SurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	var errAtPublish error
	p := publisherFunc(func(ctx context.Context, evt Event) error {
		called = true
		errAtPublish = ctx.Err()
		return nil
	})
	Emit(ctx, p, zerolog.Nop(), New(ReferralUploaded, "p", uuid.New(), "", nil))

	if !called || errAtPublish != nil {
		t.Error("expected publish context to be detached from the cancelled caller")
	}
}

func TestEmitAsync_ReturnsBeforePublish(t *testing.T) {
	release := make(chan struct{})
	published := make(chan Type, 1)
	p := publisherFunc(func(ctx context.Context, evt Event) error {
		<-release
		published <- evt.Type
		return nil
	})

	EmitAsync(context.Background(), p, zerolog.Nop(), New(ExtractionCompleted, "p", uuid.New(), "", nil))
	close(release)

	select {
	case got := <-published:
		if got != ExtractionCompleted {
			t.Errorf("unexpected event %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the event to be published in the background")
	}
}

type publisherFunc func(ctx context.Context, evt Event) error

func (f publisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf).Level(zerolog.DebugLevel))
	id := uuid.New()

	if err := p.Publish(context.Background(), New(ExtractionCompleted, "northside", id, "", map[string]string{"engine": "fast"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), id.String()) {
		t.Errorf("expected document id in log, got %s", buf.String())
	}
}
