package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// commands travel through the raft log as protobuf Structs
// integers are carried as numbers, ms precision is well inside float64's range

func ToProto(cmd Command) (*structpb.Struct, error) {
	fields := map[string]any{"type": int64(cmd.Type())}

	switch c := cmd.(type) {
	case SetCmd:
		fields["key"] = c.Key
		fields["value"] = c.Value
		fields["ttl_ms"] = c.TTL.Milliseconds()
		fields["now_ms"] = c.NowMs
	case ExtendCmd:
		fields["key"] = c.Key
		fields["expected"] = c.Expected
		fields["ttl_ms"] = c.TTL.Milliseconds()
		fields["now_ms"] = c.NowMs
	case ReplaceCmd:
		fields["key"] = c.Key
		fields["expected"] = c.Expected
		fields["next"] = c.Next
		fields["ttl_ms"] = c.TTL.Milliseconds()
		fields["now_ms"] = c.NowMs
	case DeleteCmd:
		fields["key"] = c.Key
		fields["expected"] = c.Expected
		fields["now_ms"] = c.NowMs
	case ElectCmd:
		fields["key"] = c.Key
		fields["value"] = c.Value
		fields["connection_id"] = c.ConnectionID
		fields["dead_threshold_ms"] = c.DeadThreshold.Milliseconds()
		fields["ttl_ms"] = c.TTL.Milliseconds()
		fields["now_ms"] = c.NowMs
	case SweepCmd:
		fields["now_ms"] = c.NowMs
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}

	return structpb.NewStruct(fields)
}

func FromProto(s *structpb.Struct) (Command, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	ms := func(k string) int64 { return int64(f[k].GetNumberValue()) }
	dur := func(k string) time.Duration { return time.Duration(ms(k)) * time.Millisecond }

	switch CommandType(ms("type")) {
	case CommandTypeSet:
		return SetCmd{Key: str("key"), Value: str("value"), TTL: dur("ttl_ms"), NowMs: ms("now_ms")}, nil
	case CommandTypeExtend:
		return ExtendCmd{Key: str("key"), Expected: str("expected"), TTL: dur("ttl_ms"), NowMs: ms("now_ms")}, nil
	case CommandTypeReplace:
		return ReplaceCmd{Key: str("key"), Expected: str("expected"), Next: str("next"), TTL: dur("ttl_ms"), NowMs: ms("now_ms")}, nil
	case CommandTypeDelete:
		return DeleteCmd{Key: str("key"), Expected: str("expected"), NowMs: ms("now_ms")}, nil
	case CommandTypeElect:
		return ElectCmd{
			Key:           str("key"),
			Value:         str("value"),
			ConnectionID:  str("connection_id"),
			DeadThreshold: dur("dead_threshold_ms"),
			TTL:           dur("ttl_ms"),
			NowMs:         ms("now_ms"),
		}, nil
	case CommandTypeSweep:
		return SweepCmd{NowMs: ms("now_ms")}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %v", f["type"])
	}
}

// serializes a command for the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	s, err := ToProto(cmd)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func DecodeCommand(data []byte) (Command, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return FromProto(&s)
}
