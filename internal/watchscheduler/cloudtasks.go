package watchscheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudTasksTicker dispatches sweep ticks through Google Cloud Tasks
// instead of an in-process timer, so that sweep cadence survives a
// process restart and multiple replicas don't free-run independent
// tickers. Grounded on internal/webhooks/cloud_dispatcher.go's
// queue-path construction and in-memory-fallback pattern.
//
// The ticker only enqueues a task that POSTs to targetURL; it does not
// receive that HTTP callback, and Scheduler has no exported method for
// such a callback to run a sweep. Sweeps run when the channel returned by
// Next fires.
type CloudTasksTicker struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
	fallback  func(delay time.Duration) <-chan time.Time
}

// NewCloudTasksTicker creates a Cloud Tasks-backed ticker. targetURL is
// the HTTP endpoint Cloud Tasks will POST to in order to trigger the next
// sweep. Next always arms an in-process timer as well, so a Cloud Tasks
// outage doesn't stall watch processing.
func NewCloudTasksTicker(ctx context.Context, projectID, locationID, queueID, targetURL string) (*CloudTasksTicker, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID)

	return &CloudTasksTicker{
		client:    client,
		queuePath: queuePath,
		targetURL: targetURL,
		logger:    log.New(log.Writer(), "[WATCHSCHEDULER-CLOUDTASKS] ", log.LstdFlags),
		fallback:  func(delay time.Duration) <-chan time.Time { return time.After(delay) },
	}, nil
}

// Next enqueues a Cloud Task scheduled delay in the future and also
// arms an in-process timer. Only that timer feeds the returned channel,
// so a dropped task never stalls the scheduler.
func (c *CloudTasksTicker) Next(delay time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req := &taskspb.CreateTaskRequest{
			Parent: c.queuePath,
			Task: &taskspb.Task{
				ScheduleTime: timestamppb.New(time.Now().Add(delay)),
				MessageType: &taskspb.Task_HttpRequest{
					HttpRequest: &taskspb.HttpRequest{
						HttpMethod: taskspb.HttpMethod_POST,
						Url:        c.targetURL,
					},
				},
			},
		}
		if _, err := c.client.CreateTask(ctx, req); err != nil {
			c.logger.Printf("enqueue sweep tick failed, using local timer: %v", err)
		}
	}()

	go func() {
		ch <- <-c.fallback(delay)
	}()
	return ch
}

// Close releases the Cloud Tasks client.
func (c *CloudTasksTicker) Close() error {
	return c.client.Close()
}
