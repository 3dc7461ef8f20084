package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/pullbox/backend/internal/errors"
)

// runItem drives a single dispatch attempt through the item state machine:
// starting, resolve, downloading, processing, completed. Failures never
// escape the runner; they become item state and an error_message. A panic in
// an adapter is contained as a permanent failure for that item alone.
func (e *Engine) runItem(ctx context.Context, itemID string, attempt int) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error(ctx, "item run panicked", nil, map[string]interface{}{
				"item_id": itemID,
				"panic":   rec,
			})
			e.failItem(itemID, apperrors.InternalError(fmt.Sprintf("adapter panic: %v", rec)))
		}
	}()

	// A fresh attempt clears prior error state and restarts from byte 0.
	now := time.Now()
	item, err := e.store.UpdateItem(ctx, itemID, ItemPatch{
		Status:          statusPtr(ItemStarting),
		BytesDownloaded: int64Ptr(0),
		ErrorMessage:    strPtr(""),
		StartedAt:       timePtr(now),
	})
	if err != nil {
		e.log.Error(ctx, "failed to mark item starting", err, map[string]interface{}{"item_id": itemID})
		return
	}
	if item.Status.Terminal() {
		// canceled between dequeue and start
		return
	}

	adapter := e.registry.ResolveAdapter(item.SourceURL)
	if adapter == nil {
		// permanent: no retry can ever find an adapter
		e.failItem(itemID, apperrors.AdapterUnavailable(item.SourceURL))
		return
	}

	asset, err := adapter.ResolveAsset(ctx, item.SourceURL, item.Meta)
	if err != nil {
		e.handleFailure(ctx, itemID, attempt, err)
		return
	}

	patch := ItemPatch{Status: statusPtr(ItemDownloading)}
	if item.Filename == "" && asset.Filename != "" {
		patch.Filename = strPtr(asset.Filename)
	}
	if item.BytesTotal == nil && asset.Size != nil {
		patch.BytesTotal = int64Ptr(*asset.Size)
	}
	if _, err := e.store.UpdateItem(ctx, itemID, patch); err != nil {
		e.log.Error(ctx, "failed to mark item downloading", err, map[string]interface{}{"item_id": itemID})
		return
	}

	var downloaded atomic.Int64
	onProgress := func(delta int64, total *int64) {
		progress := ItemPatch{BytesDownloaded: int64Ptr(downloaded.Add(delta))}
		if total != nil {
			progress.BytesTotal = int64Ptr(*total)
		}
		if _, err := e.store.UpdateItem(ctx, itemID, progress); err != nil {
			e.log.Warn(ctx, "failed to record progress", map[string]interface{}{"item_id": itemID})
		}
	}

	result, err := adapter.StreamToStorage(ctx, asset, itemID, onProgress)
	if err != nil {
		e.handleFailure(ctx, itemID, attempt, err)
		return
	}

	if _, err := e.store.UpdateItem(ctx, itemID, ItemPatch{
		Status:      statusPtr(ItemProcessing),
		StoragePath: strPtr(result.StoragePath),
	}); err != nil {
		e.log.Error(ctx, "failed to mark item processing", err, map[string]interface{}{"item_id": itemID})
		return
	}

	finished := time.Now()
	if _, err := e.store.UpdateItem(ctx, itemID, ItemPatch{
		Status:          statusPtr(ItemCompleted),
		BytesDownloaded: int64Ptr(result.BytesWritten),
		FinishedAt:      timePtr(finished),
	}); err != nil {
		e.log.Error(ctx, "failed to mark item completed", err, map[string]interface{}{"item_id": itemID})
		return
	}

	e.forgetAttempts(itemID)
	e.log.Info(ctx, "item completed", map[string]interface{}{
		"item_id": itemID,
		"bytes":   result.BytesWritten,
		"attempt": attempt,
	})
}

// handleFailure classifies an attempt failure: abort becomes canceled,
// a transient fault with budget left schedules a prioritized re-enqueue
// after backoff, anything else is a permanent failure.
func (e *Engine) handleFailure(ctx context.Context, itemID string, attempt int, cause error) {
	if apperrors.IsAbort(cause) || ctx.Err() == context.Canceled {
		now := time.Now()
		if _, err := e.store.UpdateItem(context.Background(), itemID, ItemPatch{
			Status:     statusPtr(ItemCanceled),
			FinishedAt: timePtr(now),
		}); err != nil {
			e.log.Error(ctx, "failed to mark item canceled", err, map[string]interface{}{"item_id": itemID})
		}
		e.forgetAttempts(itemID)
		return
	}

	if apperrors.IsTransient(cause) && attempt < e.cfg.MaxAttempts {
		if _, err := e.store.UpdateItem(ctx, itemID, ItemPatch{
			Status:       statusPtr(ItemRetrying),
			ErrorMessage: strPtr(cause.Error()),
		}); err != nil {
			e.log.Error(ctx, "failed to mark item retrying", err, map[string]interface{}{"item_id": itemID})
			return
		}
		e.log.Warn(ctx, "item failed transiently, scheduling retry", map[string]interface{}{
			"item_id": itemID,
			"attempt": attempt,
			"error":   cause.Error(),
		})
		e.scheduleRetry(itemID, attempt)
		return
	}

	e.failItem(itemID, cause)
}

// failItem moves the item to its permanent failed state.
func (e *Engine) failItem(itemID string, cause error) {
	ctx := context.Background()
	now := time.Now()
	if _, err := e.store.UpdateItem(ctx, itemID, ItemPatch{
		Status:       statusPtr(ItemFailed),
		ErrorMessage: strPtr(cause.Error()),
		FinishedAt:   timePtr(now),
	}); err != nil {
		e.log.Error(ctx, "failed to mark item failed", err, map[string]interface{}{"item_id": itemID})
		return
	}
	e.forgetAttempts(itemID)
	e.log.Error(ctx, "item failed permanently", cause, map[string]interface{}{"item_id": itemID})
}
