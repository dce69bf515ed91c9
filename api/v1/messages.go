package v1

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Request carries the arguments of every keyed call. Unused fields are left
// out of the encoded struct.
type Request struct {
	Key      string
	Prefix   string
	Value    string
	Expected string
	Next     string
	TTL      time.Duration

	//election candidate
	InstanceID    string
	ConnectionID  string
	RenewedAtMs   int64
	DeadThreshold time.Duration
}

func (r Request) Proto() (*structpb.Struct, error) {
	fields := map[string]any{}
	put := func(name, v string) {
		if v != "" {
			fields[name] = v
		}
	}
	put("key", r.Key)
	put("prefix", r.Prefix)
	put("value", r.Value)
	put("expected", r.Expected)
	put("next", r.Next)
	put("instance_id", r.InstanceID)
	put("connection_id", r.ConnectionID)
	if r.TTL > 0 {
		fields["ttl_ms"] = float64(r.TTL.Milliseconds())
	}
	if r.RenewedAtMs > 0 {
		fields["renewed_at_ms"] = float64(r.RenewedAtMs)
	}
	if r.DeadThreshold > 0 {
		fields["dead_threshold_ms"] = float64(r.DeadThreshold.Milliseconds())
	}
	return structpb.NewStruct(fields)
}

func ParseRequest(s *structpb.Struct) Request {
	f := s.GetFields()
	str := func(name string) string { return f[name].GetStringValue() }
	ms := func(name string) int64 { return int64(f[name].GetNumberValue()) }

	return Request{
		Key:           str("key"),
		Prefix:        str("prefix"),
		Value:         str("value"),
		Expected:      str("expected"),
		Next:          str("next"),
		TTL:           time.Duration(ms("ttl_ms")) * time.Millisecond,
		InstanceID:    str("instance_id"),
		ConnectionID:  str("connection_id"),
		RenewedAtMs:   ms("renewed_at_ms"),
		DeadThreshold: time.Duration(ms("dead_threshold_ms")) * time.Millisecond,
	}
}

func GetResponse(value string, found bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"value": structpb.NewStringValue(value),
		"found": structpb.NewBoolValue(found),
	}}
}

func ParseGetResponse(s *structpb.Struct) (string, bool) {
	f := s.GetFields()
	return f["value"].GetStringValue(), f["found"].GetBoolValue()
}

// ScanEntry mirrors one stored key in a Scan response.
type ScanEntry struct {
	Key         string
	Value       string
	ExpiresAtMs int64
}

func ScanResponse(entries []ScanEntry) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		list = append(list, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"key":           structpb.NewStringValue(e.Key),
			"value":         structpb.NewStringValue(e.Value),
			"expires_at_ms": structpb.NewNumberValue(float64(e.ExpiresAtMs)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"entries": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

func ParseScanResponse(s *structpb.Struct) ([]ScanEntry, error) {
	list := s.GetFields()["entries"].GetListValue().GetValues()
	out := make([]ScanEntry, 0, len(list))
	for i, v := range list {
		e := v.GetStructValue()
		if e == nil {
			return nil, fmt.Errorf("scan entry %d is not a struct", i)
		}
		f := e.GetFields()
		out = append(out, ScanEntry{
			Key:         f["key"].GetStringValue(),
			Value:       f["value"].GetStringValue(),
			ExpiresAtMs: int64(f["expires_at_ms"].GetNumberValue()),
		})
	}
	return out, nil
}

// NodeStatus is what Status reports about the answering node.
type NodeStatus struct {
	NodeID   string `json:"node_id"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader"`
	Entries  int    `json:"entries"`
	Applied  uint64 `json:"applied"`
}

func (n NodeStatus) Proto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"node_id":   structpb.NewStringValue(n.NodeID),
		"is_leader": structpb.NewBoolValue(n.IsLeader),
		"leader":    structpb.NewStringValue(n.Leader),
		"entries":   structpb.NewNumberValue(float64(n.Entries)),
		"applied":   structpb.NewNumberValue(float64(n.Applied)),
	}}
}

func ParseNodeStatus(s *structpb.Struct) NodeStatus {
	f := s.GetFields()
	return NodeStatus{
		NodeID:   f["node_id"].GetStringValue(),
		IsLeader: f["is_leader"].GetBoolValue(),
		Leader:   f["leader"].GetStringValue(),
		Entries:  int(f["entries"].GetNumberValue()),
		Applied:  uint64(f["applied"].GetNumberValue()),
	}
}
