// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package anvilq

import (
	"regexp"
	"testing"
	"time"

	"github.com/anvilq/anvilq/internal/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jidPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

func TestNewJobID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newJobID()
		require.NoError(t, err)
		assert.Regexp(t, jidPattern, id)
		assert.False(t, seen[id], "job ids must not repeat")
		seen[id] = true
	}
}

func TestClientPrepareFillsIdentity(t *testing.T) {
	c := &Client{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	job := NewJob("EmailWorker", 42)
	processAt, err := c.prepare(job, now)
	require.NoError(t, err)

	assert.True(t, processAt.IsZero())
	assert.Regexp(t, jidPattern, job.ID())
	assert.Equal(t, float64(now.Unix()), job.msg.CreatedAt)
	assert.Equal(t, "default", job.Queue())
}

func TestClientPrepareKeepsExistingIdentity(t *testing.T) {
	c := &Client{}
	now := time.Now()

	job := NewJob("EmailWorker")
	job.msg.ID = "abcdefabcdefabcdefabcdef"
	job.msg.CreatedAt = 12345
	_, err := c.prepare(job, now)
	require.NoError(t, err)

	assert.Equal(t, "abcdefabcdefabcdefabcdef", job.ID())
	assert.Equal(t, float64(12345), job.msg.CreatedAt)
}

func TestClientPrepareAppliesOptions(t *testing.T) {
	c := &Client{}
	now := time.Now()

	job := NewJob("EmailWorker")
	processAt, err := c.prepare(job, now,
		Queue("critical"),
		MaxRetry(3),
		RetryQueue("low"),
		SkipDead(),
		ProcessAt(now.Add(time.Hour)),
	)
	require.NoError(t, err)

	assert.Equal(t, "critical", job.Queue())
	require.NotNil(t, job.msg.Retry)
	assert.Equal(t, base.RetryPolicy{Limited: true, Max: 3}, *job.msg.Retry)
	assert.Equal(t, "low", job.msg.RetryQueue)
	require.NotNil(t, job.msg.Dead)
	assert.False(t, *job.msg.Dead)
	assert.Equal(t, now.Add(time.Hour), processAt)
}

func TestClientPrepareLastOptionWins(t *testing.T) {
	c := &Client{}
	job := NewJob("EmailWorker")
	_, err := c.prepare(job, time.Now(), Queue("critical"), Queue("low"))
	require.NoError(t, err)
	assert.Equal(t, "low", job.Queue())
}

func TestClientPrepareRejectsInvalidQueueNames(t *testing.T) {
	c := &Client{}

	job := NewJob("EmailWorker")
	_, err := c.prepare(job, time.Now(), Queue("bad:name"))
	assert.Error(t, err)

	job = NewJob("EmailWorker")
	_, err = c.prepare(job, time.Now(), Queue("  "))
	assert.Error(t, err)

	job = NewJob("EmailWorker")
	_, err = c.prepare(job, time.Now(), RetryQueue("also:bad"))
	assert.Error(t, err)
}

func TestClientPrepareRejectsNilJob(t *testing.T) {
	c := &Client{}
	_, err := c.prepare(nil, time.Now())
	assert.Error(t, err)
}

func TestNewJobDefaults(t *testing.T) {
	job := NewJob("EmailWorker")
	assert.Equal(t, "EmailWorker", job.Class())
	assert.Equal(t, "default", job.Queue())
	assert.NotNil(t, job.Args())
	assert.Empty(t, job.Args())
	assert.Zero(t, job.RetryCount())
	assert.Empty(t, job.ID())
}
