package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
)

type fakeSubmitter struct {
	accept    bool
	submitted []string
}

func (f *fakeSubmitter) Submit(jobID string) bool {
	f.submitted = append(f.submitted, jobID)
	return f.accept
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakePublisher) PublishJSON(_ context.Context, v any) error {
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func TestLocal_Dispatch(t *testing.T) {
	tests := []struct {
		name    string
		accept  bool
		wantErr error
	}{
		{name: "runner accepts", accept: true},
		{name: "runner busy", accept: false, wantErr: ErrQueueFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &fakeSubmitter{accept: tt.accept}
			d := NewLocal(submitter, logger.NewNop().Logger)

			err := d.Dispatch(context.Background(), "job-1")

			assert.Equal(t, []string{"job-1"}, submitter.submitted)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRabbitMQ_Dispatch(t *testing.T) {
	t.Run("publishes the job message", func(t *testing.T) {
		publisher := &fakePublisher{}
		d := NewRabbitMQ(publisher, logger.NewNop().Logger)

		require.NoError(t, d.Dispatch(context.Background(), "job-1"))

		require.Len(t, publisher.bodies, 1)
		var msg domain.JobMessage
		require.NoError(t, json.Unmarshal(publisher.bodies[0], &msg))
		assert.Equal(t, "job-1", msg.JobID)
		assert.JSONEq(t, `{"job_id":"job-1"}`, string(publisher.bodies[0]))
	})

	t.Run("broker failure", func(t *testing.T) {
		brokerErr := errors.New("channel closed")
		d := NewRabbitMQ(&fakePublisher{err: brokerErr}, logger.NewNop().Logger)

		err := d.Dispatch(context.Background(), "job-1")
		assert.ErrorIs(t, err, brokerErr)
		assert.Contains(t, err.Error(), "job-1")
	})
}
