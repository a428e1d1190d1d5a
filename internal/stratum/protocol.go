package stratum

import (
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/bardlex/gominer/internal/job"
)

// Stratum method names used by the client.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodReconnect           = "client.reconnect"
)

var fastJSON = sonic.ConfigDefault

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both the object form and the [code, message, data]
// array form that most pools send.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw any
	if err := fastJSON.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case []any:
		if len(v) > 0 {
			if code, ok := v[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(v) > 1 {
			e.Message, _ = v[1].(string)
		}
		if len(v) > 2 {
			e.Data = v[2]
		}
	case map[string]any:
		if code, ok := v["code"].(float64); ok {
			e.Code = int(code)
		}
		e.Message, _ = v["message"].(string)
		e.Data = v["data"]
	case nil:
	default:
		return fmt.Errorf("unsupported error encoding %T", raw)
	}
	return nil
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeResult is the decoded result of mining.subscribe.
type SubscribeResult struct {
	Subscriptions []any
	Extranonce    job.Extranonce
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Params returns the positional parameters in wire order.
func (r SubmitRequest) Params() []any {
	return []any{r.Username, r.JobID, r.ExtraNonce2, r.NTime, r.Nonce}
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := fastJSON.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// request is the outbound wire shape. Pools reject requests that omit the
// params array, so it is always emitted even when empty.
type request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	var v any = msg
	if msg.Method != "" {
		params := msg.Params
		if params == nil {
			params = []any{}
		}
		v = &request{ID: msg.ID, Method: msg.Method, Params: params}
	}
	data, err := fastJSON.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params []any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a pool push. Some pools
// send notifications with a non-null id, so only the method is checked.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// RequestID returns the numeric id of a response.
func (m *Message) RequestID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

// Accepted reports whether a response carries a true result and no error.
func (m *Message) Accepted() bool {
	if m.Error != nil {
		return false
	}
	ok, _ := m.Result.(bool)
	return ok
}

// ParseSubscribeResult decodes [subscriptions, extranonce1, extranonce2_size].
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	fields, ok := result.([]any)
	if !ok || len(fields) < 3 {
		return nil, fmt.Errorf("subscribe result must be a 3-element array")
	}

	en1, ok := fields[1].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be string")
	}

	size, ok := fields[2].(float64)
	if !ok || size < 1 || size > 8 || size != float64(int(size)) {
		return nil, fmt.Errorf("extranonce2_size must be an integer in [1,8]")
	}

	subs, _ := fields[0].([]any)

	return &SubscribeResult{
		Subscriptions: subs,
		Extranonce: job.Extranonce{
			Extranonce1:     en1,
			Extranonce2Size: int(size),
		},
	}, nil
}

// ParseNotify decodes mining.notify parameters into a job template.
// Every field is required; structural checks on the hex happen in job.New.
func ParseNotify(params []any) (job.Template, error) {
	var t job.Template
	if len(params) < 9 {
		return t, fmt.Errorf("insufficient parameters: got %d, want 9", len(params))
	}

	strs := make([]string, 0, 8)
	for i, name := range []string{"job_id", "prevhash", "coinb1", "coinb2"} {
		s, ok := params[i].(string)
		if !ok || s == "" {
			return t, fmt.Errorf("%s must be a non-empty string", name)
		}
		strs = append(strs, s)
	}

	rawBranch, ok := params[4].([]any)
	if !ok {
		return t, fmt.Errorf("merkle_branch must be an array")
	}
	branch := make([]string, 0, len(rawBranch))
	for i, b := range rawBranch {
		s, ok := b.(string)
		if !ok {
			return t, fmt.Errorf("merkle_branch[%d] must be string", i)
		}
		branch = append(branch, s)
	}

	for i, name := range []string{"version", "nbits", "ntime"} {
		s, ok := params[5+i].(string)
		if !ok || s == "" {
			return t, fmt.Errorf("%s must be a non-empty string", name)
		}
		strs = append(strs, s)
	}

	clean, ok := params[8].(bool)
	if !ok {
		return t, fmt.Errorf("clean_jobs must be bool")
	}

	return job.Template{
		JobID:        strs[0],
		PrevHash:     strs[1],
		Coinb1:       strs[2],
		Coinb2:       strs[3],
		MerkleBranch: branch,
		Version:      strs[4],
		NBits:        strs[5],
		NTime:        strs[6],
		CleanJobs:    clean,
	}, nil
}

// ParseSetDifficulty decodes mining.set_difficulty parameters.
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	diff, ok := params[0].(float64)
	if !ok || diff <= 0 {
		return 0, fmt.Errorf("difficulty must be a positive number")
	}
	return diff, nil
}

// ParseSetExtranonce decodes mining.set_extranonce parameters.
func ParseSetExtranonce(params []any) (job.Extranonce, error) {
	if len(params) < 2 {
		return job.Extranonce{}, fmt.Errorf("insufficient parameters")
	}
	res, err := ParseSubscribeResult([]any{nil, params[0], params[1]})
	if err != nil {
		return job.Extranonce{}, err
	}
	return res.Extranonce, nil
}
