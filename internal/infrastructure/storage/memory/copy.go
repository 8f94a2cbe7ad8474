package memory

import (
	"slices"
	"time"

	"possync/internal/domain/sync"
)

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyData(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyOperation(op *sync.Operation) *sync.Operation {
	out := *op
	out.Data = copyData(op.Data)
	out.BaseTimestamp = copyTime(op.BaseTimestamp)
	out.SyncedAt = copyTime(op.SyncedAt)
	return &out
}

func copyDevice(d *sync.Device) *sync.Device {
	out := *d
	out.LastSyncTimestamp = copyTime(d.LastSyncTimestamp)
	out.ArchivedAt = copyTime(d.ArchivedAt)
	return &out
}

func copyEntity(e *sync.Entity) *sync.Entity {
	out := *e
	out.Data = copyData(e.Data)
	out.DeletedAt = copyTime(e.DeletedAt)
	return &out
}

func copyConflict(c *sync.Conflict) *sync.Conflict {
	out := *c
	out.OperationIDs = slices.Clone(c.OperationIDs)
	out.LocalData = copyData(c.LocalData)
	out.ServerData = copyData(c.ServerData)
	out.ResolvedData = copyData(c.ResolvedData)
	out.ResolvedAt = copyTime(c.ResolvedAt)
	out.RedeliveredAt = copyTime(c.RedeliveredAt)
	return &out
}
