package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/sqlsight/internal/domain"
)

// sseServer replies to every POST whose path ends in suffix with lines as an
// event stream.
func sseServer(t *testing.T, suffix string, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, suffix) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, seq iter.Seq2[*Chunk, error]) []*Chunk {
	t.Helper()
	var out []*Chunk
	for chunk, err := range seq {
		require.NoError(t, err)
		out = append(out, chunk)
	}
	return out
}

type streamed struct {
	reasoning string
	text      string
	calls     []*domain.ToolCall
	stops     []StopReason
}

func summarize(chunks []*Chunk) streamed {
	var s streamed
	for _, c := range chunks {
		s.reasoning += c.Reasoning
		s.text += c.Text
		if c.ToolCall != nil {
			s.calls = append(s.calls, c.ToolCall)
		}
		if c.StopReason != "" {
			s.stops = append(s.stops, c.StopReason)
		}
	}
	return s
}

func toolRequest() *Request {
	return &Request{
		Messages: []domain.Message{domain.UserMessage("what tables are there?")},
		Tools: []ToolSpec{{
			Name:        "get_tables",
			Description: "List the tables",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		}},
	}
}

func TestOpenAIStreamAccumulatesToolCallsByIndex(t *testing.T) {
	srv := sseServer(t, "/chat/completions", []string{
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"need the "}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"reasoning_content":"table list"}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"Checking."}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"type":"function","function":{"name":"get_table_schema","arguments":"{\"table"}}]}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"type":"function","function":{"name":"get_tables","arguments":""}}]}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\":\"costs\"}"}}]}}]}`,
		``,
		`data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: [DONE]`,
		``,
	})

	client := NewOpenAI("test-key", srv.URL, "m")
	got := summarize(drain(t, client.Stream(context.Background(), toolRequest())))

	assert.Equal(t, "need the table list", got.reasoning)
	assert.Equal(t, "Checking.", got.text)
	require.Len(t, got.calls, 2, "calls without an id are still delivered")
	assert.Equal(t, "get_tables", got.calls[0].Name)
	assert.Empty(t, got.calls[0].ID)
	assert.JSONEq(t, `{}`, string(got.calls[0].Input))
	assert.Equal(t, "get_table_schema", got.calls[1].Name)
	assert.JSONEq(t, `{"table":"costs"}`, string(got.calls[1].Input))
	assert.Equal(t, []StopReason{StopToolUse}, got.stops)
}

func TestOpenAIStreamReportsLength(t *testing.T) {
	srv := sseServer(t, "/chat/completions", []string{
		`data: {"id":"c2","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"The total is"}}]}`,
		``,
		`data: {"id":"c2","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		``,
		`data: [DONE]`,
		``,
	})

	client := NewOpenAI("test-key", srv.URL, "m")
	got := summarize(drain(t, client.Stream(context.Background(), &Request{Messages: []domain.Message{domain.UserMessage("total?")}})))

	assert.Equal(t, "The total is", got.text)
	assert.Equal(t, []StopReason{StopMaxTokens}, got.stops)
}

func TestOpenAIStreamEndsTurnOnDone(t *testing.T) {
	srv := sseServer(t, "/chat/completions", []string{
		`data: {"id":"c3","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		``,
		`data: [DONE]`,
		``,
	})

	client := NewOpenAI("test-key", srv.URL, "m")
	got := summarize(drain(t, client.Stream(context.Background(), &Request{Messages: []domain.Message{domain.UserMessage("hello")}})))

	assert.Equal(t, "Hi", got.text)
	assert.Equal(t, []StopReason{StopEndTurn}, got.stops)
}

func TestAnthropicStreamDecodesBlocks(t *testing.T) {
	srv := sseServer(t, "/messages", []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":10,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"list tables first"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Looking"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" it up."}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_table_schema","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"table\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"costs\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":2}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})

	client := NewAnthropic("test-key", "m", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	got := summarize(drain(t, client.Stream(context.Background(), toolRequest())))

	assert.Equal(t, "list tables first", got.reasoning)
	assert.Equal(t, "Looking it up.", got.text)
	require.Len(t, got.calls, 1)
	assert.Equal(t, "toolu_1", got.calls[0].ID)
	assert.Equal(t, "get_table_schema", got.calls[0].Name)
	assert.JSONEq(t, `{"table":"costs"}`, string(got.calls[0].Input))
	assert.Equal(t, []StopReason{StopToolUse}, got.stops)
}

func TestAnthropicStreamSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	t.Cleanup(srv.Close)

	client := NewAnthropic("test-key", "m", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	var errs []error
	for _, err := range client.Stream(context.Background(), toolRequest()) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	var perr *ProviderError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, "anthropic", perr.Provider)
}
