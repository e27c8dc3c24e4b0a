// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.NoError(t, ValidateQueueName("low-priority_2"))
	assert.Error(t, ValidateQueueName(""))
	assert.Error(t, ValidateQueueName("   "))
	assert.Error(t, ValidateQueueName("queue:with:colons"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "queue:default", QueueKey("", "default"))
	assert.Equal(t, "app:queue:default", QueueKey("app", "default"))
	assert.Equal(t, "queue:low:host:12:ab34cd56", InflightKey("", "low", "host:12:ab34cd56"))
	assert.Equal(t, "queues", AllQueues(""))
	assert.Equal(t, "app:retry", RetryKey("app"))
	assert.Equal(t, "schedule", ScheduledKey(""))
	assert.Equal(t, "dead", DeadKey(""))
	assert.Equal(t, "app:processes", AllProcesses("app"))
	assert.Equal(t, "app:host:12:ab34cd56", ProcessInfoKey("app", "host:12:ab34cd56"))
	assert.Equal(t, "queue:*:*:*", InflightKeyPattern(""))
	assert.Equal(t, "app:queue:*:*:*", InflightKeyPattern("app"))
}

func TestParseInflightKey(t *testing.T) {
	qname, identity, err := ParseInflightKey("", "queue:low:host:12:ab34cd56")
	require.NoError(t, err)
	assert.Equal(t, "low", qname)
	assert.Equal(t, "host:12:ab34cd56", identity)

	qname, identity, err = ParseInflightKey("app", "app:queue:default:h:1:x")
	require.NoError(t, err)
	assert.Equal(t, "default", qname)
	assert.Equal(t, "h:1:x", identity)

	_, _, err = ParseInflightKey("", "retry")
	assert.Error(t, err)
	_, _, err = ParseInflightKey("", "queue:noidentity")
	assert.Error(t, err)
	_, _, err = ParseInflightKey("app", "queue:low:host:1:x") // namespace missing
	assert.Error(t, err)
}

func TestRetryPolicyJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RetryPolicy
	}{
		{"true", `true`, RetryPolicy{}},
		{"false", `false`, RetryPolicy{Disabled: true}},
		{"zero", `0`, RetryPolicy{Limited: true, Max: 0}},
		{"limit", `5`, RetryPolicy{Limited: true, Max: 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p RetryPolicy
			require.NoError(t, p.UnmarshalJSON([]byte(tc.in)))
			assert.Equal(t, tc.want, p)

			// The client's literal survives a server-side re-serialization.
			out, err := p.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tc.in, string(out))
		})
	}

	var p RetryPolicy
	assert.Error(t, p.UnmarshalJSON([]byte(`"nope"`)))
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	var absent *RetryPolicy
	assert.Equal(t, 25, absent.MaxAttempts(25))
	assert.Equal(t, 25, (&RetryPolicy{}).MaxAttempts(25))
	assert.Equal(t, 0, (&RetryPolicy{Disabled: true}).MaxAttempts(25))
	assert.Equal(t, 0, (&RetryPolicy{Limited: true, Max: 0}).MaxAttempts(25))
	assert.Equal(t, 7, (&RetryPolicy{Limited: true, Max: 7}).MaxAttempts(25))
}

func TestBacktracePolicyJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want BacktracePolicy
		out  string
	}{
		{"true", `true`, BacktracePolicy{Enabled: true}, `true`},
		{"false", `false`, BacktracePolicy{}, `false`},
		{"limit", `10`, BacktracePolicy{Enabled: true, Limit: 10}, `10`},
		{"zero means off", `0`, BacktracePolicy{}, `false`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p BacktracePolicy
			require.NoError(t, p.UnmarshalJSON([]byte(tc.in)))
			assert.Equal(t, tc.want, p)

			out, err := p.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tc.out, string(out))
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	count := 2
	dead := false
	msg := &JobMessage{
		Class:        "EmailWorker",
		Args:         []interface{}{float64(42), "welcome"},
		ID:           "abcdefabcdefabcdefabcdef",
		Queue:        "critical",
		Retry:        &RetryPolicy{Limited: true, Max: 5},
		RetryQueue:   "low",
		RetryCount:   &count,
		FailedAt:     1709294400.25,
		RetriedAt:    1709298000.5,
		ErrorClass:   "errors.errorString",
		ErrorMessage: "boom",
		Dead:         &dead,
		CreatedAt:    1709294000,
		EnqueuedAt:   1709294001,
	}
	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestEncodeMessagePreservesRetryLiteral(t *testing.T) {
	wire := `{"class":"X","args":[],"jid":"abcdefabcdefabcdefabcdef","queue":"default","retry":0}`
	msg, err := DecodeMessage([]byte(wire))
	require.NoError(t, err)
	require.NotNil(t, msg.Retry)
	assert.Equal(t, RetryPolicy{Limited: true, Max: 0}, *msg.Retry)

	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"retry":0`)
}

func TestDecodeMessageRejectsNonObjectRoots(t *testing.T) {
	for _, payload := range []string{`[1,2,3]`, `"job"`, `42`, `true`, `null`, ``, `{`} {
		_, err := DecodeMessage([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestEncodeMessageNil(t *testing.T) {
	_, err := EncodeMessage(nil)
	assert.Error(t, err)
}

func TestBacktraceRoundTrip(t *testing.T) {
	frames := []string{
		"main.work /app/main.go:10",
		"main.main /app/main.go:4",
	}
	encoded, err := CompressBacktrace(frames)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "main.work") // stored compressed, not plain

	decoded, err := DecompressBacktrace(encoded)
	require.NoError(t, err)
	assert.Equal(t, frames, decoded)
}

func TestBacktraceRoundTripEmpty(t *testing.T) {
	encoded, err := CompressBacktrace(nil)
	require.NoError(t, err)

	decoded, err := DecompressBacktrace(encoded)
	require.NoError(t, err)
	assert.Equal(t, []string{}, decoded)
}

func TestDecompressBacktraceRejectsGarbage(t *testing.T) {
	_, err := DecompressBacktrace("not base64 at all!!!")
	assert.Error(t, err)

	_, err = DecompressBacktrace("aGVsbG8=") // valid base64, not zlib
	assert.Error(t, err)
}

func TestProcessInfoRoundTrip(t *testing.T) {
	info := &ProcessInfo{
		Host:        "worker-1",
		PID:         4242,
		Identity:    "worker-1:4242:ab34cd56",
		Concurrency: 10,
		Queues:      []string{"critical", "default"},
		Strict:      true,
		StartedAt:   1709294400.5,
		Busy:        3,
		Quiet:       false,
	}
	encoded, err := EncodeProcessInfo(info)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(encoded), `"hostname":"worker-1"`))

	decoded, err := DecodeProcessInfo(encoded)
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
}
