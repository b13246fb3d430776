package record

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ExtraFields is the opaque side-channel for payload fields the core does
// not interpret. Decoding is strict about the fields it knows; everything
// else lands here and is re-emitted verbatim on marshal so round-trip
// re-serialization is lossless.
type ExtraFields map[string]json.RawMessage

// Clone returns a shallow copy. Raw messages are immutable by convention.
func (x ExtraFields) Clone() ExtraFields {
	if x == nil {
		return nil
	}
	out := make(ExtraFields, len(x))
	for k, v := range x {
		out[k] = v
	}
	return out
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// splitKnown unmarshals data into known (a struct alias) and returns the
// remaining fields not named in knownKeys.
func splitKnown(data []byte, known any, knownKeys []string) (ExtraFields, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return ExtraFields(all), nil
}

// mergeExtra marshals known, then overlays extra fields that do not
// collide with known keys. Known fields always win.
func mergeExtra(known any, extra ExtraFields) ([]byte, error) {
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	// Deterministic key order keeps log bytes stable across re-encodes.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, merged[k]...)
	}
	return append(buf, '}'), nil
}

type detailsAlias Details

var detailsKeys = []string{"chars_added", "chars_deleted", "size_bytes", "language", "content_preview"}

// UnmarshalJSON decodes the known detail fields and stashes the rest in
// Extra.
func (d *Details) UnmarshalJSON(data []byte) error {
	var known detailsAlias
	extra, err := splitKnown(data, &known, detailsKeys)
	if err != nil {
		return err
	}
	*d = Details(known)
	d.Extra = extra
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown fields.
func (d Details) MarshalJSON() ([]byte, error) {
	return mergeExtra(detailsAlias(d), d.Extra)
}

type promptAlias Prompt

var promptKeys = []string{
	"id", "text", "response", "model", "mode", "workspace", "timestamp",
	"session_id", "linked_event_ids", "version", "context_usage",
}

func (p *Prompt) UnmarshalJSON(data []byte) error {
	var known promptAlias
	extra, err := splitKnown(data, &known, promptKeys)
	if err != nil {
		return err
	}
	*p = Prompt(known)
	p.Extra = extra
	if p.Mode == "" {
		p.Mode = ModeUnknown
	}
	return nil
}

func (p Prompt) MarshalJSON() ([]byte, error) {
	return mergeExtra(promptAlias(p), p.Extra)
}

type terminalAlias TerminalCommand

var terminalKeys = []string{"id", "command", "cwd", "workspace", "timestamp", "session_id"}

func (t *TerminalCommand) UnmarshalJSON(data []byte) error {
	var known terminalAlias
	extra, err := splitKnown(data, &known, terminalKeys)
	if err != nil {
		return err
	}
	*t = TerminalCommand(known)
	t.Extra = extra
	return nil
}

func (t TerminalCommand) MarshalJSON() ([]byte, error) {
	return mergeExtra(terminalAlias(t), t.Extra)
}

// Encode serializes a record for the log. The concrete type must match
// the kind.
func Encode(kind Kind, rec any) ([]byte, error) {
	switch kind {
	case KindFileAdd, KindFileChange, KindFileDelete:
		if _, ok := rec.(*Event); !ok {
			return nil, fmt.Errorf("encode: kind %s requires *Event, got %T", kind, rec)
		}
	case KindPrompt:
		if _, ok := rec.(*Prompt); !ok {
			return nil, fmt.Errorf("encode: kind %s requires *Prompt, got %T", kind, rec)
		}
	case KindTerminal:
		if _, ok := rec.(*TerminalCommand); !ok {
			return nil, fmt.Errorf("encode: kind %s requires *TerminalCommand, got %T", kind, rec)
		}
	case KindPromptLink:
		if _, ok := rec.(*PromptLink); !ok {
			return nil, fmt.Errorf("encode: kind %s requires *PromptLink, got %T", kind, rec)
		}
	default:
		return nil, fmt.Errorf("encode: unknown kind %d", kind)
	}
	return json.Marshal(rec)
}

// Decode deserializes a log payload into the concrete record type for
// its kind.
func Decode(kind Kind, payload []byte) (any, error) {
	switch kind {
	case KindFileAdd, KindFileChange, KindFileDelete:
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		e.Kind = kind
		return &e, nil
	case KindPrompt:
		var p Prompt
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode prompt: %w", err)
		}
		return &p, nil
	case KindTerminal:
		var t TerminalCommand
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode terminal: %w", err)
		}
		return &t, nil
	case KindPromptLink:
		var l PromptLink
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, fmt.Errorf("decode prompt_link: %w", err)
		}
		return &l, nil
	default:
		return nil, fmt.Errorf("decode: unknown kind %d", kind)
	}
}
