// Package groupinfo stores the published-after-commit GroupInfo snapshot used by external-commit
// rejoin. The latest write per (convo_id, epoch) wins.
package groupinfo

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// Sentinel errors for the groupinfo package.
var ErrNotFound = errors.New("group info not found")

// GroupInfo holds the fields read from the group_info table.
type GroupInfo struct {
	ConvoID     string
	Epoch       uint32
	Ciphertext  []byte
	PublishedAt time.Time
}

// Repository defines the data-access contract for group info storage. Upsert accepts a postgres.Querier
// so updateGroupInfo can run inside the Conversation Actor's own transaction when it accompanies a
// commit, or directly against the pool when called as a standalone write.
type Repository interface {
	Upsert(ctx context.Context, q postgres.Querier, convoID string, epoch uint32, ciphertext []byte) error
	GetLatest(ctx context.Context, convoID string) (*GroupInfo, error)
	Get(ctx context.Context, convoID string, epoch uint32) (*GroupInfo, error)
}
