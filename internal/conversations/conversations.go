package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"droidtour/internal/models"
	"droidtour/internal/rtdb"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentReads bounds the fan-out of conversation record reads.
const maxConcurrentReads = 16

// Helper lists the conversations of a participant from the conversation index.
type Helper struct {
	db *rtdb.DB
}

func New(db *rtdb.DB) *Helper {
	return &Helper{db: db}
}

func (h *Helper) GetConversationsForClient(ctx context.Context, clientID string) ([]models.Conversation, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", models.ErrInvalidArgument)
	}
	return h.list(ctx, models.ClientIndexPath(clientID))
}

func (h *Helper) GetConversationsForCompany(ctx context.Context, companyID string) ([]models.Conversation, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: company id is required", models.ErrInvalidArgument)
	}
	return h.list(ctx, models.CompanyIndexPath(companyID))
}

// ListenToClientConversations calls handler with the client's full
// conversation list now and every time the client's index changes.
func (h *Helper) ListenToClientConversations(clientID string, handler func([]models.Conversation)) (*rtdb.Subscription, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", models.ErrInvalidArgument)
	}
	return h.listen(models.ClientIndexPath(clientID), handler)
}

func (h *Helper) ListenToCompanyConversations(companyID string, handler func([]models.Conversation)) (*rtdb.Subscription, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: company id is required", models.ErrInvalidArgument)
	}
	return h.listen(models.CompanyIndexPath(companyID), handler)
}

func (h *Helper) listen(indexPath string, handler func([]models.Conversation)) (*rtdb.Subscription, error) {
	return h.db.Subscribe(h.db.Query(indexPath), rtdb.EventValue, func(e rtdb.Event) {
		convs, err := h.gather(context.Background(), indexIDs(e.Snapshot))
		if err != nil {
			slog.Warn("failed to refresh conversations", "index", indexPath, "error", err)
			return
		}
		handler(convs)
	})
}

func (h *Helper) list(ctx context.Context, indexPath string) ([]models.Conversation, error) {
	index, err := h.db.Get(ctx, indexPath)
	if err != nil {
		return nil, err
	}
	return h.gather(ctx, indexIDs(index))
}

func indexIDs(index rtdb.Snapshot) []string {
	children := index.Children()
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.Key())
	}
	return ids
}

// gather reads every conversation record concurrently. Records that fail to
// load or no longer exist are left out of the result.
func (h *Helper) gather(ctx context.Context, ids []string) ([]models.Conversation, error) {
	var (
		mu     sync.Mutex
		result = make([]models.Conversation, 0, len(ids))
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for _, id := range ids {
		g.Go(func() error {
			conv, err := h.fetch(gCtx, id)
			if err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					slog.Warn("skipping conversation", "conversation_id", id, "error", err)
				}
				return nil
			}
			mu.Lock()
			result = append(result, conv)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].LastMessageTimestamp != result[j].LastMessageTimestamp {
			return result[i].LastMessageTimestamp > result[j].LastMessageTimestamp
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (h *Helper) fetch(ctx context.Context, id string) (models.Conversation, error) {
	snap, err := h.db.Get(ctx, models.ConversationPath(id))
	if err != nil {
		return models.Conversation{}, err
	}
	if !snap.Exists() {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		return models.Conversation{}, err
	}
	conv.ID = id
	return conv, nil
}
