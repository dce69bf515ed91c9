package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeSet CommandType = iota + 1
	CommandTypeExtend
	CommandTypeReplace
	CommandTypeDelete
	CommandTypeElect
	CommandTypeSweep
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeSet:
		return "set"
	case CommandTypeExtend:
		return "extend"
	case CommandTypeReplace:
		return "replace"
	case CommandTypeDelete:
		return "delete"
	case CommandTypeElect:
		return "elect"
	case CommandTypeSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// sets key if absent or if the present value has the same owner prefix
type SetCmd struct {
	Key   string
	Value string
	TTL   time.Duration
	NowMs int64
}

func (c SetCmd) Type() CommandType { return CommandTypeSet }

// extends the TTL of key only on an exact value match
type ExtendCmd struct {
	Key      string
	Expected string
	TTL      time.Duration
	NowMs    int64
}

func (c ExtendCmd) Type() CommandType { return CommandTypeExtend }

// swaps the value of key only on an exact value match
type ReplaceCmd struct {
	Key      string
	Expected string
	Next     string
	TTL      time.Duration
	NowMs    int64
}

func (c ReplaceCmd) Type() CommandType { return CommandTypeReplace }

// deletes key only on an exact value match
type DeleteCmd struct {
	Key      string
	Expected string
	NowMs    int64
}

func (c DeleteCmd) Type() CommandType { return CommandTypeDelete }

// leader election on key
// accepted when the key is absent, when the present record belongs to the same
// connection id, or when the present record is older than the dead threshold
type ElectCmd struct {
	Key           string
	Value         string
	ConnectionID  string
	DeadThreshold time.Duration
	TTL           time.Duration
	NowMs         int64
}

func (c ElectCmd) Type() CommandType { return CommandTypeElect }

// drops every expired entry (internal)
type SweepCmd struct {
	NowMs int64
}

func (c SweepCmd) Type() CommandType { return CommandTypeSweep }

// which branch of the election accepted (or rejected) a candidate
type ElectOutcome int

const (
	ElectRejected ElectOutcome = iota
	ElectVacant                // no record existed
	ElectRejoined              // the record belonged to the same connection id
	ElectTakeover              // the record was older than the dead threshold
	ElectAssumed               // store unavailable, accepted by the degraded policy
)

func (o ElectOutcome) Accepted() bool { return o != ElectRejected }

func (o ElectOutcome) String() string {
	switch o {
	case ElectVacant:
		return "vacant"
	case ElectRejoined:
		return "rejoined"
	case ElectTakeover:
		return "takeover"
	case ElectAssumed:
		return "assumed"
	default:
		return "rejected"
	}
}
