package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"geofencing/internal/domain"
)

// decodeTransitions auto-detects one transition object or an array of them.
// Params: raw JSON payload.
// Returns: validated transitions in payload order.
func decodeTransitions(raw []byte) ([]domain.TransitionEvent, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] != '[' {
		transition, err := domain.DecodeTransitionReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return []domain.TransitionEvent{transition}, nil
	}

	var batch []domain.TransitionEvent
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode transition batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, errors.New("transition batch must contain at least one transition")
	}
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			return nil, fmt.Errorf("transition[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return batch, nil
}

// decodeFixes auto-detects one location fix or an array of fixes.
func decodeFixes(raw []byte) ([]domain.LocationFix, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] != '[' {
		fix, err := domain.DecodeLocationFix(payload)
		if err != nil {
			return nil, err
		}
		return []domain.LocationFix{fix}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode location batch: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("location batch must contain at least one fix")
	}
	fixes := make([]domain.LocationFix, 0, len(items))
	for i, item := range items {
		fix, err := domain.DecodeLocationFix(item)
		if err != nil {
			return nil, fmt.Errorf("fix[%d]: %w", i, err)
		}
		fixes = append(fixes, fix)
	}
	return fixes, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
