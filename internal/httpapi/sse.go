package httpapi

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/watchkeeper/brainstem/internal/store"
)

type sseWriter struct {
	w io.Writer
}

func newSSEWriter(w io.Writer) *sseWriter {
	return &sseWriter{w: w}
}

func (s *sseWriter) event(ev store.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.EventType, data)
	return err
}

func (s *sseWriter) comment(text string) error {
	_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
	return err
}
