// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWorker struct{ performed *int }

func (w *countingWorker) Perform(ctx context.Context, args []interface{}) error {
	*w.performed++
	return nil
}

func TestRegistryMakeConstructsFreshInstances(t *testing.T) {
	r := NewRegistry()
	var built int
	r.Register("Counting", func() Worker {
		built++
		return &countingWorker{performed: new(int)}
	})

	w1, err := r.make("Counting")
	require.NoError(t, err)
	w2, err := r.make("Counting")
	require.NoError(t, err)

	assert.Equal(t, 2, built)
	assert.NotSame(t, w1, w2)
}

func TestRegistryUnknownClass(t *testing.T) {
	r := NewRegistry()
	w, err := r.make("Nope")
	assert.Nil(t, w)

	var unknown *UnknownWorkerError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Nope", unknown.Class)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("X", func(ctx context.Context, args []interface{}) error {
		return errors.New("old")
	})
	r.RegisterFunc("X", func(ctx context.Context, args []interface{}) error {
		return nil
	})

	w, err := r.make("X")
	require.NoError(t, err)
	assert.NoError(t, w.Perform(context.Background(), nil))
}

func TestWorkerFunc(t *testing.T) {
	var got []interface{}
	fn := WorkerFunc(func(ctx context.Context, args []interface{}) error {
		got = args
		return nil
	})
	require.NoError(t, fn.Perform(context.Background(), []interface{}{1.0, "a"}))
	assert.Equal(t, []interface{}{1.0, "a"}, got)
}
