package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Two output modes:
//   - Text (default): one human-readable line per event
//   - JSON: one JSON object per line (JSONL)
//
// Example text output:
//
//	[transition] app=7f6c... seq=3 stage= meta={"from":"SCANNING_DOCUMENTS","to":"OCR_COMPLETED"}
//
// Example JSON output:
//
//	{"application_id":"7f6c...","sequence":3,"stage":"","msg":"transition","meta":{...}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer
// (os.Stdout if nil). When jsonMode is true, events are emitted as
// JSONL; otherwise as text lines.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ApplicationID string                 `json:"application_id"`
		Sequence      int                    `json:"sequence"`
		Stage         string                 `json:"stage,omitempty"`
		DocumentID    string                 `json:"document_id,omitempty"`
		Msg           string                 `json:"msg"`
		Meta          map[string]interface{} `json:"meta,omitempty"`
	}{
		ApplicationID: event.ApplicationID,
		Sequence:      event.Sequence,
		Stage:         event.Stage,
		DocumentID:    event.DocumentID,
		Msg:           event.Msg,
		Meta:          event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] app=%s seq=%d", event.Msg, event.ApplicationID, event.Sequence)
	if event.Stage != "" {
		fmt.Fprintf(l.writer, " stage=%s", event.Stage)
	}
	if event.DocumentID != "" {
		fmt.Fprintf(l.writer, " doc=%s", event.DocumentID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
