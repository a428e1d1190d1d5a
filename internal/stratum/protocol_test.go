package stratum

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bardlex/gominer/internal/job"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Result: true,
			},
			wantErr: false,
		},
		{
			name: "array error",
			data: []byte(`{"id":4,"result":null,"error":[23,"Low difficulty share",null]}`),
			want: &Message{
				ID:    float64(4),
				Error: &Error{Code: ErrorLowDifficulty, Message: "Low difficulty share"},
			},
			wantErr: false,
		},
		{
			name: "object error",
			data: []byte(`{"id":5,"result":false,"error":{"code":21,"message":"Job not found"}}`),
			want: &Message{
				ID:     float64(5),
				Result: false,
				Error:  &Error{Code: ErrorJobNotFound, Message: "Job not found"},
			},
			wantErr: false,
		},
		{
			name: "valid notification",
			data: []byte(`{"id":null,"method":"mining.notify","params":["job1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`),
			want: &Message{
				ID:     nil,
				Method: "mining.notify",
				Params: []any{"job1", "prev", "cb1", "cb2", []any{}, "20000000", "1800c29f", "5a54a978", true},
			},
			wantErr: false,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMarshalMessage(t *testing.T) {
	msg := NewRequest(7, MethodSubmit, SubmitRequest{
		Username:    "bc1qworker.rig1",
		JobID:       "4f",
		ExtraNonce2: "00000001",
		NTime:       "495fab29",
		Nonce:       "7c2bac1d",
	}.Params())

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	want := `{"id":7,"method":"mining.submit","params":["bc1qworker.rig1","4f","00000001","495fab29","7c2bac1d"]}`
	if string(data) != want {
		t.Errorf("MarshalMessage() = %s, want %s", data, want)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("Failed to parse marshaled message: %v", err)
	}
	if id, ok := parsed.RequestID(); !ok || id != 7 {
		t.Errorf("RequestID() = %d, %v, want 7, true", id, ok)
	}
}

func TestNewRequestEmptyParams(t *testing.T) {
	data, err := MarshalMessage(NewRequest(2, MethodExtranonceSubscribe, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"params":[]`) {
		t.Errorf("expected empty params array, got %s", data)
	}
}

func TestMarshalRequestKeepsEmptyParams(t *testing.T) {
	for _, method := range []string{MethodExtranonceSubscribe, MethodSubscribe} {
		msg := &Message{ID: uint64(3), Method: method}
		data, err := MarshalMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"params":[]`) {
			t.Errorf("%s: expected empty params array, got %s", method, data)
		}
	}

	data, err := MarshalMessage(&Message{ID: uint64(3), Result: true})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"params"`) {
		t.Errorf("response should not carry params, got %s", data)
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isResponse     bool
		isNotification bool
		accepted       bool
	}{
		{
			name:           "accepted response",
			msg:            &Message{ID: float64(1), Result: true},
			isResponse:     true,
			isNotification: false,
			accepted:       true,
		},
		{
			name:           "rejected response",
			msg:            &Message{ID: float64(1), Result: false},
			isResponse:     true,
			isNotification: false,
			accepted:       false,
		},
		{
			name:           "error response with true result",
			msg:            &Message{ID: float64(1), Result: true, Error: &Error{Code: ErrorOther}},
			isResponse:     true,
			isNotification: false,
			accepted:       false,
		},
		{
			name:           "notification",
			msg:            &Message{ID: nil, Method: MethodNotify, Params: []any{}},
			isResponse:     false,
			isNotification: true,
		},
		{
			name:           "notification with id",
			msg:            &Message{ID: float64(0), Method: MethodSetDifficulty, Params: []any{float64(8)}},
			isResponse:     false,
			isNotification: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
			if got := tt.msg.Accepted(); got != tt.accepted {
				t.Errorf("Accepted() = %v, want %v", got, tt.accepted)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		id     any
		want   uint64
		wantOK bool
	}{
		{"float", float64(12), 12, true},
		{"string", "12", 12, true},
		{"negative", float64(-1), 0, false},
		{"garbage string", "abc", 0, false},
		{"null", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := (&Message{ID: tt.id}).RequestID()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("RequestID() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseSubscribeResult(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    job.Extranonce
		wantErr bool
	}{
		{
			name:   "valid",
			result: []any{[]any{[]any{"mining.notify", "ae6812eb"}}, "08000002", float64(4)},
			want:   job.Extranonce{Extranonce1: "08000002", Extranonce2Size: 4},
		},
		{
			name:    "too short",
			result:  []any{[]any{}, "08000002"},
			wantErr: true,
		},
		{
			name:    "not an array",
			result:  true,
			wantErr: true,
		},
		{
			name:    "extranonce1 not a string",
			result:  []any{nil, float64(8), float64(4)},
			wantErr: true,
		},
		{
			name:    "size zero",
			result:  []any{nil, "08000002", float64(0)},
			wantErr: true,
		},
		{
			name:    "size fractional",
			result:  []any{nil, "08000002", float64(2.5)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeResult(tt.result)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubscribeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Extranonce != tt.want {
				t.Errorf("ParseSubscribeResult() = %+v, want %+v", got.Extranonce, tt.want)
			}
		})
	}
}

func notifyParams(jobID string, clean bool) []any {
	return []any{
		jobID,
		strings.Repeat("00", 32),
		"01000000010000",
		"ffffffff",
		[]any{strings.Repeat("ab", 32)},
		"20000000",
		"1d00ffff",
		"495fab29",
		clean,
	}
}

func TestParseNotify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p []any) []any
		wantErr string
	}{
		{name: "valid", mutate: func(p []any) []any { return p }},
		{name: "short", mutate: func(p []any) []any { return p[:8] }, wantErr: "insufficient"},
		{name: "empty job id", mutate: func(p []any) []any { p[0] = ""; return p }, wantErr: "job_id"},
		{name: "branch not array", mutate: func(p []any) []any { p[4] = "x"; return p }, wantErr: "merkle_branch"},
		{name: "branch element", mutate: func(p []any) []any { p[4] = []any{float64(1)}; return p }, wantErr: "merkle_branch[0]"},
		{name: "nbits missing", mutate: func(p []any) []any { p[6] = nil; return p }, wantErr: "nbits"},
		{name: "clean not bool", mutate: func(p []any) []any { p[8] = "true"; return p }, wantErr: "clean_jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotify(tt.mutate(notifyParams("j1", true)))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseNotify() error = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNotify() error = %v", err)
			}
			if got.JobID != "j1" || !got.CleanJobs || len(got.MerkleBranch) != 1 || got.NBits != "1d00ffff" {
				t.Errorf("ParseNotify() = %+v", got)
			}
		})
	}
}

func TestParseSetDifficulty(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    float64
		wantErr bool
	}{
		{"integer", []any{float64(1024)}, 1024, false},
		{"fractional", []any{0.5}, 0.5, false},
		{"zero", []any{float64(0)}, 0, true},
		{"string", []any{"8"}, 0, true},
		{"empty", []any{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSetDifficulty(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSetDifficulty() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSetDifficulty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSetExtranonce(t *testing.T) {
	got, err := ParseSetExtranonce([]any{"deadbeef", float64(8)})
	if err != nil {
		t.Fatal(err)
	}
	if got.Extranonce1 != "deadbeef" || got.Extranonce2Size != 8 {
		t.Errorf("ParseSetExtranonce() = %+v", got)
	}

	if _, err := ParseSetExtranonce([]any{"deadbeef"}); err == nil {
		t.Error("expected error for missing size")
	}
}
