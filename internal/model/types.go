package model

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// EnvironmentDesc identifies a compiler toolchain by the content digest of
// its binary. Two servants are interchangeable for a task iff they
// advertise the same EnvironmentDesc.
type EnvironmentDesc struct {
	CompilerDigest string `json:"compiler_digest"`
}

func (e EnvironmentDesc) String() string { return e.CompilerDigest }

// NewEnvironmentDesc reduces the raw content hash of a compiler binary to
// the stable digest form carried everywhere else in the cluster.
func NewEnvironmentDesc(compilerContent []byte) EnvironmentDesc {
	sum := blake3.Sum256(compilerContent)
	return EnvironmentDesc{CompilerDigest: hex.EncodeToString(sum[:])}
}

// ServantPriority classifies a servant's role in allocation tie-breaking.
type ServantPriority int

const (
	PriorityUnknown ServantPriority = iota
	PriorityDedicated
	PriorityUser
)

// NotAcceptingReason explains why a servant currently offers zero capacity.
type NotAcceptingReason int

const (
	NotAcceptingNone NotAcceptingReason = iota
	NotAcceptingBehindNAT
	NotAcceptingLowMemory
	NotAcceptingExpiring
)

// CacheControlMode mirrors the client's cache-control intent for a task.
type CacheControlMode int

const (
	CacheDisallow CacheControlMode = iota
	CacheAllow
	CacheRefill
)

func ParseCacheControlMode(v int) CacheControlMode {
	switch v {
	case 1:
		return CacheAllow
	case 2:
		return CacheRefill
	default:
		return CacheDisallow
	}
}

// TaskPersonality is the identity of the requestor side of a grant: who's
// asking, for what environment, and the oldest servant daemon version it
// is willing to be served by.
type TaskPersonality struct {
	RequestorIP string          `json:"requestor_ip"`
	EnvDesc     EnvironmentDesc `json:"env_desc"`
	MinVersion  int             `json:"min_version,omitempty"`
}

// TaskState is the monotonic state of a DistributedTask.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskReadyToFire
	TaskDispatched
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReadyToFire:
		return "ready_to_fire"
	case TaskDispatched:
		return "dispatched"
	case TaskDone:
		return "done"
	default:
		return fmt.Sprintf("task_state(%d)", int(s))
	}
}

// ServantLocation is a "host:port" style network address, as observed by
// the scheduler (peer address) or as self-reported by the servant.
type ServantLocation string
