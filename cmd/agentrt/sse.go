package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sablerun/agentrt/pkg/models"
)

// sseEncoder writes Events to w as Server-Sent Events: one "event: <kind>"
// line naming the event kind, a "data: <json>" line carrying the payload,
// and a blank line terminating the frame (§6).
type sseEncoder struct {
	w io.Writer
}

func newSSEEncoder(w io.Writer) *sseEncoder {
	return &sseEncoder{w: w}
}

func (e *sseEncoder) Encode(evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
