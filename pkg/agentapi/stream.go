package agentapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const maxEventSize = 4 * 1024 * 1024

// errStreamFailed marks an error event reported by the agent itself.
var errStreamFailed = errors.New("agent reported an error")

// readStream consumes a server-sent-event body until it ends or a finish
// event arrives.
func readStream(body io.Reader, onEvent EventHandler) (*Response, error) {
	var (
		resp  Response
		text  strings.Builder
		lines []string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	// flush handles one complete SSE event; it returns true once the stream is done.
	flush := func() (bool, error) {
		defer func() { lines = lines[:0] }()
		var parts []string
		for _, l := range lines {
			if strings.HasPrefix(l, "data:") {
				parts = append(parts, strings.TrimSpace(l[len("data:"):]))
			}
		}
		if len(parts) == 0 {
			return false, nil
		}
		data := strings.Join(parts, "\n")
		if data == "" {
			return false, nil
		}
		if data == "[DONE]" {
			return true, nil
		}
		if !gjson.Valid(data) {
			return false, nil
		}

		event := decodeEvent(gjson.Parse(data))
		if onEvent != nil {
			onEvent(event)
		}

		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Delta)
		case EventToolCall:
			resp.ToolCalls = append(resp.ToolCalls, *event.ToolCall)
		case EventToolResult:
			resp.ToolResults = append(resp.ToolResults, *event.ToolResult)
		case EventError:
			return true, fmt.Errorf("%w: %s", errStreamFailed, event.Error)
		case EventFinish:
			resp.FinishReason = event.Finish
			return true, nil
		}
		return false, nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
			continue
		}
		done, err := flush()
		if err != nil {
			return nil, err
		}
		if done {
			resp.Text = text.String()
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent stream: %w", err)
	}
	// A body that ends without a blank line still carries its last event.
	if _, err := flush(); err != nil {
		return nil, err
	}

	resp.Text = text.String()
	return &resp, nil
}

func decodeEvent(v gjson.Result) Event {
	event := Event{Type: EventType(v.Get("type").String())}
	switch event.Type {
	case EventTextDelta:
		event.Delta = firstString(v, "delta", "textDelta", "text")
	case EventToolCall:
		event.ToolCall = &ToolCall{
			ID:    firstString(v, "toolCallId", "id"),
			Name:  firstString(v, "toolName", "name"),
			Input: rawJSON(firstResult(v, "input", "args")),
		}
	case EventToolResult:
		event.ToolResult = &ToolResult{
			ToolCallID: firstString(v, "toolCallId", "id"),
			Name:       firstString(v, "toolName", "name"),
			Output:     rawJSON(firstResult(v, "output", "result")),
		}
	case EventError:
		event.Error = firstString(v, "errorText", "error", "message")
		if event.Error == "" {
			event.Error = "unknown error"
		}
	case EventFinish:
		event.Finish = firstString(v, "finishReason")
		if event.Finish == "" {
			event.Finish = "stop"
		}
	}
	return event
}

func firstResult(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, paths ...string) string {
	return firstResult(v, paths...).String()
}

func rawJSON(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
