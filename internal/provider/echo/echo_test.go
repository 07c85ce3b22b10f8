package echo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/stream"
)

func TestCompleteEchoesPrompt(t *testing.T) {
	p := New("echo-1")
	resp, err := p.Complete(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "tinyllama",
		Prompt:    "hello there",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.ProviderID != "echo-1" || resp.FinishReason != domain.FinishStop {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if p.Completes() != 1 {
		t.Fatalf("expected 1 complete call, got %d", p.Completes())
	}
}

func TestCompleteEchoesLastUserMessage(t *testing.T) {
	p := New("echo-1")
	resp, err := p.Complete(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "tinyllama",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "first"},
			{Role: domain.RoleAssistant, Content: "ok"},
			{Role: domain.RoleUser, Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "second" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestStreamReassemblesInput(t *testing.T) {
	p := New("echo-1", WithChunkSize(3))
	acc := stream.NewAccumulator()
	err := p.Stream(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "tinyllama",
		Prompt:    "hello world",
	}, acc.Add)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !acc.Completed() {
		t.Fatal("expected a terminal chunk")
	}
	if acc.Text() != "hello world" {
		t.Fatalf("unexpected text %q", acc.Text())
	}
	if acc.Chunks() != 4 {
		t.Fatalf("expected 4 chunks of 3 runes, got %d", acc.Chunks())
	}
	if acc.FinishReason() != domain.FinishStop {
		t.Fatalf("unexpected finish reason %s", acc.FinishReason())
	}
}

func TestStreamEmptyPromptStillTerminates(t *testing.T) {
	p := New("echo-1")
	acc := stream.NewAccumulator()
	err := p.Stream(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "tinyllama",
		Messages:  []domain.Message{{Role: domain.RoleAssistant, Content: ""}},
	}, acc.Add)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !acc.Completed() || acc.Text() != "" {
		t.Fatalf("expected empty completed stream, got %q completed=%v", acc.Text(), acc.Completed())
	}
}

func TestStreamFailsAfterN(t *testing.T) {
	boom := errors.New("gpu fell over")
	p := New("echo-1", WithChunkSize(2), WithErrorAfter(2, boom))

	var chunks []stream.Chunk
	err := p.Stream(context.Background(), &domain.InferenceRequest{
		RequestID: "r1",
		Model:     "tinyllama",
		Prompt:    "abcdefgh",
	}, func(c stream.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks before failure, got %d", len(chunks))
	}
}

func TestCompleteInjectedError(t *testing.T) {
	boom := domain.NewError(domain.ErrTypeProviderInternal, "boom")
	p := New("echo-1", WithError(boom))
	if _, err := p.Complete(context.Background(), &domain.InferenceRequest{RequestID: "r1", Prompt: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestStreamHonorsCancellation(t *testing.T) {
	p := New("echo-1", WithChunkSize(1), WithDelay(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Stream(ctx, &domain.InferenceRequest{RequestID: "r1", Prompt: "abcdefghij"}, func(c stream.Chunk) error {
			count++
			if count == 2 {
				cancel()
			}
			return nil
		})
	}()

	err := <-errCh
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if count >= 10 {
		t.Fatalf("stream ran to completion despite cancel (%d chunks)", count)
	}
}
