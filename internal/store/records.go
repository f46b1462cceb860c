package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	conductorerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// Namespace prefixes match spec §6.3's persisted layout.
const (
	NamespaceJob      = "job"
	NamespaceWorkflow = "workflow"
	NamespaceQueue    = "queue"
	NamespaceRate     = "rate"
	NamespaceEvents   = "events"
	NamespaceMetrics  = "metrics"
)

// Key builds the "{namespace}:{id}" key spec §4.1 describes.
func Key(namespace, id string) string {
	return fmt.Sprintf("%s:%s", namespace, id)
}

// Owned is implemented by any record type that carries an owning user, so
// PutOwned/GetOwned can enforce spec §4.1's authorization check uniformly.
type Owned interface {
	OwnerUserID() string
}

// ActiveTTL and RetentionTTL are the two lifecycle TTLs spec §4.1
// describes: a short TTL while the job/workflow is active, extended to the
// longer retention TTL once it reaches a terminal state.
const (
	DefaultActiveTTL    = time.Hour
	DefaultRetentionTTL = 24 * time.Hour
)

// PutJSON marshals v and stores it under key with the given ttl.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// GetJSON loads the record at key into v. Returns ok=false if missing.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// GetOwnedJSON loads the record at key into v and enforces spec §4.1's
// authorization check: it fails with *errors.NotFoundError (never
// *errors.ForbiddenError — presence is not leaked to a non-owner) when
// either the key is missing or v's owner does not match userID.
func GetOwnedJSON(ctx context.Context, s Store, key, resource, userID string, v Owned) error {
	ok, err := GetJSON(ctx, s, key, v)
	if err != nil {
		return err
	}
	if !ok || v.OwnerUserID() != userID {
		return &conductorerrors.NotFoundError{Resource: resource, ID: key}
	}
	return nil
}
