package types

import "time"

// OperationKind identifies the remote mutation a queued operation performs.
type OperationKind string

const (
	OpFlagAdd         OperationKind = "flag_add"
	OpFlagRemove      OperationKind = "flag_remove"
	OpDeleteTrash     OperationKind = "delete_trash"
	OpDeletePermanent OperationKind = "delete_permanent"
	OpMove            OperationKind = "move"
)

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OpQueued   OperationStatus = "queued"
	OpInFlight OperationStatus = "in_flight"
	OpFailed   OperationStatus = "failed"
	OpDone     OperationStatus = "done"
)

// OriginalState captures the pre-mutation state of a single email so a
// failed operation can roll back the optimistic local write.
type OriginalState struct {
	UID        int64      `json:"uid"`
	TempUID    int64      `json:"temp_uid,omitempty"`
	FolderPath string     `json:"folder_path,omitempty"`
	Flags      []string   `json:"flags,omitempty"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
}

// Operation is the unit of deferred remote work. It is created together
// with the optimistic local write and drained later by the worker.
type Operation struct {
	ID           int64           `json:"id"`
	Account      string          `json:"account"`
	Kind         OperationKind   `json:"kind"`
	FolderPath   string          `json:"folder_path"`
	TargetFolder string          `json:"target_folder,omitempty"`
	UIDs         []int64         `json:"uids"`
	Flags        []string        `json:"flags,omitempty"`
	Original     []OriginalState `json:"original,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Status       OperationStatus `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	NotBefore    time.Time       `json:"not_before"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// QueueStats summarizes the operation queue for the observability surface.
type QueueStats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// WorkerStatus reports the state of the operation worker loop.
type WorkerStatus struct {
	Running    bool      `json:"running"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastError  string    `json:"last_error,omitempty"`
}
