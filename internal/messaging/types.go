package messaging

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
)

// EncodeEvent flattens an event into a protobuf Struct:
//
//	{"kind": ..., "rig": ..., "at": {"seconds": ..., "nanos": ...}, <event fields>}
func EncodeEvent(ev events.Event, rig string) (*structpb.Struct, error) {
	ts := timestamppb.New(ev.Time())
	fields := map[string]any{
		"kind": ev.Kind(),
		"rig":  rig,
		"at": map[string]any{
			"seconds": ts.GetSeconds(),
			"nanos":   ts.GetNanos(),
		},
	}

	switch e := ev.(type) {
	case events.JobReceived:
		fields["job_id"] = e.JobID
		fields["clean_jobs"] = e.CleanJobs
		fields["difficulty"] = e.Difficulty
	case events.UnitCompleted:
		fields["device_id"] = e.DeviceID
		fields["unit_id"] = e.UnitID
		fields["job_id"] = e.JobID
		fields["hashes"] = e.Hashes
		fields["elapsed_seconds"] = e.Elapsed.Seconds()
		fields["failed"] = e.Failed
		fields["cancelled"] = e.Cancelled
	case events.CandidateInvalid:
		fields["device_id"] = e.DeviceID
		fields["job_id"] = e.JobID
		fields["reason"] = e.Reason
	case events.CandidateDiscarded:
		fields["device_id"] = e.DeviceID
		fields["job_id"] = e.JobID
	case events.ShareSubmitted:
		fields["share"] = shareFields(e.Share)
	case events.ShareResolved:
		fields["share"] = shareFields(e.Share)
	case events.ConnectionChanged:
		fields["from"] = e.From
		fields["to"] = e.To
		fields["pool"] = e.Pool
	case events.DeviceHealthChanged:
		fields["device_id"] = e.DeviceID
		fields["from"] = e.From
		fields["to"] = e.To
		fields["reason"] = e.Reason
	case events.IntensityChanged:
		fields["device_id"] = e.DeviceID
		fields["intensity"] = e.Intensity
	case events.RejectionRateExceeded:
		fields["rate"] = e.Rate
		fields["threshold"] = e.Threshold
	case events.EngineStopped:
		fields["reason"] = e.Reason
		fields["fatal"] = e.Fatal
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}

	return structpb.NewStruct(fields)
}

func shareFields(sh share.Share) map[string]any {
	out := map[string]any{
		"id":          sh.ID,
		"job_id":      sh.JobID,
		"device_id":   sh.DeviceID,
		"extranonce2": sh.Extranonce2,
		"ntime":       sh.NTime,
		"nonce":       fmt.Sprintf("%08x", sh.Nonce),
		"hash":        sh.Digest.String(),
		"difficulty":  sh.Difficulty,
		"block":       sh.Block,
		"state":       sh.State.String(),
	}
	if sh.Reason != "" {
		out["reason"] = sh.Reason
	}
	return out
}
