package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	key         string
	body        []byte
	contentType string
}

type fakeClient struct {
	messages []sent
	err      error
}

func (c *fakeClient) Publish(_ context.Context, routingKey string, body []byte, contentType string) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, sent{key: routingKey, body: body, contentType: contentType})
	return nil
}

func TestPublisher_RoutingKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		ev     domain.JobEvent
		want   string
	}{
		{
			name:   "backup started",
			prefix: "neptis.jobs",
			ev:     domain.JobEvent{JobType: domain.JobTypeBackup, JobStatus: domain.JobStatusRunning},
			want:   "neptis.jobs.backup.running",
		},
		{
			name:   "restore failed with trailing dot",
			prefix: "neptis.jobs.",
			ev:     domain.JobEvent{JobType: domain.JobTypeRestore, JobStatus: domain.JobStatusFailed},
			want:   "neptis.jobs.restore.failed",
		},
		{
			name: "no prefix",
			ev:   domain.JobEvent{JobType: domain.JobTypeBackup, JobStatus: domain.JobStatusSuccessful},
			want: "backup.successful",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(&fakeClient{}, tt.prefix, slog.New(slog.NewTextHandler(io.Discard, nil)))
			assert.Equal(t, tt.want, p.RoutingKey(tt.ev))
		})
	}
}

func TestPublisher_PublishJobEvent(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "neptis.jobs", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := domain.JobEvent{
		JobID:      "0b7c6a36-8d0c-4a3e-9f57-1f1b0f5c2a10",
		Owner:      "alice",
		Volume:     "backup1",
		JobType:    domain.JobTypeBackup,
		JobStatus:  domain.JobStatusSuccessful,
		SnapshotID: "9f3e2a1b",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishJobEvent(context.Background(), ev))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "neptis.jobs.backup.successful", msg.key)
	assert.Equal(t, "application/json", msg.contentType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.body, &decoded))
	assert.Equal(t, "Backup", decoded["job_type"])
	assert.Equal(t, "Successful", decoded["job_status"])
	assert.Equal(t, "9f3e2a1b", decoded["snapshot_id"])
	assert.NotContains(t, decoded, "error")
}

func TestPublisher_ClientError(t *testing.T) {
	client := &fakeClient{err: errors.New("channel closed")}
	p := NewPublisher(client, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := p.PublishJobEvent(context.Background(), domain.JobEvent{})
	assert.ErrorContains(t, err, "channel closed")
	assert.NoError(t, Nop{}.PublishJobEvent(context.Background(), domain.JobEvent{}))
}
