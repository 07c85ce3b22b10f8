package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/stream"
)

// chatStreamResponse is one SSE frame of a streamed completion. Frames
// carrying only usage (stream_options.include_usage) have no choices.
type chatStreamResponse struct {
	Choices []chatStreamChoice   `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

type chatStreamChoice struct {
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatDelta struct {
	Content string `json:"content"`
}

// Stream issues a streaming completion and emits one chunk per content
// delta. The terminal chunk is always a dedicated frame carrying Last and
// the finish reason, so indices stay dense even when the upstream folds
// finish_reason into a content frame.
func (p *Provider) Stream(ctx context.Context, req *domain.InferenceRequest, emit stream.Emit) error {
	body, err := p.buildBody(req, true)
	if err != nil {
		return err
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return p.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return p.mapStatusError(resp, raw)
	}

	sc := stream.NewSSEScanner(resp.Body)
	index := 0
	finish := domain.FinishReason("")
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return p.mapTransportError(ctx, ctxErr)
			}
			return domain.WrapError(domain.ErrTypeMalformedResponse, "read stream", err)
		}

		var frame chatStreamResponse
		if err := json.Unmarshal(ev.Data, &frame); err != nil {
			return domain.WrapError(domain.ErrTypeMalformedResponse, "decode stream frame", err)
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finish = mapFinishReason(*choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		if err := emit(stream.Chunk{RequestID: req.RequestID, Delta: choice.Delta.Content, Index: index}); err != nil {
			return err
		}
		index++
	}

	if finish == "" {
		finish = domain.FinishStop
	}
	return emit(stream.Chunk{RequestID: req.RequestID, Index: index, Last: true, FinishReason: finish})
}
