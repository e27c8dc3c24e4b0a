// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"

	"github.com/anvilq/anvilq/internal/base"
)

// A jobMetadata carries the worker-instance context for one execution.
// It is attached to the context passed to Perform, keeping the association
// local to the goroutine running the job.
type jobMetadata struct {
	id         string
	class      string
	queue      string
	retryCount int
}

type ctxKey int

const metadataCtxKey ctxKey = 0

func withJobMetadata(ctx context.Context, msg *base.JobMessage, queue string) context.Context {
	md := jobMetadata{
		id:    msg.ID,
		class: msg.Class,
		queue: queue,
	}
	if msg.RetryCount != nil {
		md.retryCount = *msg.RetryCount
	}
	return context.WithValue(ctx, metadataCtxKey, md)
}

// GetJobID extracts the job ID from a context, if any.
func GetJobID(ctx context.Context) (id string, ok bool) {
	md, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return "", false
	}
	return md.id, true
}

// GetClass extracts the worker class name from a context, if any.
func GetClass(ctx context.Context) (class string, ok bool) {
	md, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return "", false
	}
	return md.class, true
}

// GetQueueName extracts the queue name from a context, if any.
func GetQueueName(ctx context.Context) (qname string, ok bool) {
	md, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return "", false
	}
	return md.queue, true
}

// GetRetryCount extracts the number of completed attempts from a context,
// if any. Zero means the job has not failed before.
func GetRetryCount(ctx context.Context) (n int, ok bool) {
	md, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return 0, false
	}
	return md.retryCount, true
}
