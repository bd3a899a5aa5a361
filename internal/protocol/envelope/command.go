package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	AttrID     = "id"
	AttrResult = "result"
	AttrError  = "error"
	AttrMethod = "method"
)

// Request is one outbound command protocol envelope.
type Request struct {
	Method string `json:"method"`
	ID     string `json:"id"`
	Params any    `json:"params,omitempty"`
}

// Result is one inbound response unit for a command. Multiple results with
// the same ID compose one logical response.
type Result struct {
	ID        string          `json:"-"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Seq       *int            `json:"seq,omitempty"`
	Remaining *int            `json:"remaining,omitempty"`
	Progress  *float64        `json:"progress,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Chunk is the params object of one chunked write request.
type Chunk struct {
	Filename string `json:"filename"`
	Filetype string `json:"filetype"`
	Data     string `json:"data"`
	Append   bool   `json:"append"`
	Complete bool   `json:"complete,omitempty"`
	Seq      int    `json:"seq"`
	Abort    bool   `json:"abort,omitempty"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultEnvelope struct {
	ID     string     `json:"id"`
	Result *Result    `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

// Failed reports a non-success status code.
func (r Result) Failed() bool {
	return r.Code != 0
}

// HasContent reports whether the result carries a non-empty payload.
func (r Result) HasContent() bool {
	c := strings.TrimSpace(string(r.Content))
	return c != "" && c != "null" && c != `""` && c != "[]"
}

// Bytes decodes a base64 string payload.
func (r Result) Bytes() ([]byte, error) {
	if !r.HasContent() {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err != nil {
		return nil, fmt.Errorf("%w: content is not a string: %v", ErrMalformed, err)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64: %v", ErrMalformed, err)
	}
	return out, nil
}

// Strings decodes an array-of-strings payload.
func (r Result) Strings() ([]string, error) {
	if !r.HasContent() {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(r.Content, &out); err != nil {
		return nil, fmt.Errorf("%w: content is not a string list: %v", ErrMalformed, err)
	}
	return out, nil
}

// IsResult reports whether raw has the command response shape.
func IsResult(raw Raw) bool {
	return raw.Has(AttrID) && (raw.Has(AttrResult) || raw.Has(AttrError))
}

// DecodeResult reads {id, result} or {id, error}. An error body becomes a
// result with its non-zero code.
func DecodeResult(raw Raw) (Result, error) {
	idRaw, ok := raw[AttrID]
	if !ok {
		return Result{}, ErrMissingID
	}
	var id string
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return Result{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(id) == "" {
		return Result{}, ErrMissingID
	}
	if body, ok := raw[AttrError]; ok {
		var e errorBody
		if err := json.Unmarshal(body, &e); err != nil {
			return Result{}, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		if e.Code == 0 {
			e.Code = -1
		}
		return Result{ID: id, Code: e.Code, Message: e.Message}, nil
	}
	body, ok := raw[AttrResult]
	if !ok {
		return Result{}, ErrMissingResult
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("%w: result: %v", ErrMalformed, err)
	}
	res.ID = id
	return res, nil
}

// EncodeRequest builds one command request.
func EncodeRequest(req Request) ([]byte, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, ErrMissingID
	}
	return json.Marshal(req)
}

// EncodeResult builds one response envelope. Used by the device simulator.
func EncodeResult(res Result) ([]byte, error) {
	if strings.TrimSpace(res.ID) == "" {
		return nil, ErrMissingID
	}
	return json.Marshal(resultEnvelope{ID: res.ID, Result: &res})
}

// EncodeError builds one error envelope. Used by the device simulator.
func EncodeError(id string, code int, message string) ([]byte, error) {
	return json.Marshal(resultEnvelope{ID: id, Error: &errorBody{Code: code, Message: message}})
}

// DecodeRequest reads an outbound request. Used by the device simulator.
func DecodeRequest(raw Raw) (Request, json.RawMessage, error) {
	var req struct {
		Method string          `json:"method"`
		ID     string          `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Request{}, nil, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(req.ID) == "" {
		return Request{}, nil, ErrMissingID
	}
	return Request{Method: req.Method, ID: req.ID}, req.Params, nil
}

// IntPtr and FloatPtr help build results with optional counters.
func IntPtr(v int) *int { return &v }

func FloatPtr(v float64) *float64 { return &v }
