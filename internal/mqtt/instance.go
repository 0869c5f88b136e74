package mqtt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InstanceKeyKV is the free-form KV key holding the discovery identity.
const InstanceKeyKV = "mqtt.instance_id"

// InstanceStore is the slice of the state store used to persist the
// discovery identity. [*state.Store] satisfies it.
type InstanceStore interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// InstanceID returns the agent's stable discovery identifier, minting a
// UUIDv7 on first use. Home Assistant keys entity history on it, so a
// renamed agent keeps its sensors.
func InstanceID(ctx context.Context, kv InstanceStore) (string, error) {
	id, ok, err := kv.GetKV(ctx, InstanceKeyKV)
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := kv.SetKV(ctx, InstanceKeyKV, u.String()); err != nil {
		return "", fmt.Errorf("store instance id: %w", err)
	}
	return u.String(), nil
}
