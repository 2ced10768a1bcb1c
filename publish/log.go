package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cpgflow/cpgflow/cpg"
)

// LogPublisher writes events to a writer, one per line.
//
// Two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[node.completed] event=3fae.. correlation=order-88 source=node/check-credit
//
// Example JSON output:
//
//	{"eventId":"3fae..","eventType":"node.completed","correlationId":"order-88",...}
type LogPublisher struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogPublisher creates a LogPublisher. A nil writer defaults to stdout.
func NewLogPublisher(writer io.Writer, jsonMode bool) *LogPublisher {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogPublisher{writer: writer, jsonMode: jsonMode}
}

// Publish writes the event in the configured format.
func (l *LogPublisher) Publish(event cpg.ProcessEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.writeJSON(event)
		return
	}
	l.writeText(event)
}

// PublishAsync writes the event on a separate goroutine.
func (l *LogPublisher) PublishAsync(event cpg.ProcessEvent) {
	go l.Publish(event)
}

func (l *LogPublisher) writeJSON(event cpg.ProcessEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogPublisher) writeText(event cpg.ProcessEvent) {
	fmt.Fprintf(l.writer, "[%s] event=%s correlation=%s source=%s/%s",
		event.EventType, event.EventID, event.CorrelationID,
		event.Source.Kind, event.Source.ID)
	if len(event.Payload) > 0 {
		if payload, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(l.writer, " payload=%s", payload)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
