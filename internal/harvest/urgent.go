package harvest

import (
	"context"
	"errors"
)

// RequeueUrgent puts an urgent job back at the end of q, keeping pushed
// content. Scheduled jobs are not urgent requests and are rejected.
func RequeueUrgent(ctx context.Context, q UrgentQueue, job Job) error {
	if !job.Urgent() {
		return errors.New("requeue urgent: scheduled job")
	}
	if job.PushedContent != nil {
		return q.EnqueuePush(ctx, job.URL, *job.PushedContent)
	}
	return q.EnqueuePull(ctx, job.URL)
}

// JobFromUrgent converts a polled urgent item into a worker job.
func JobFromUrgent(item UrgentItem) Job {
	job := Job{
		URL:           item.URL,
		Type:          TypePull,
		PushedContent: item.PushedContent,
		Submitted:     item.Queued,
	}
	if item.IsPush() {
		job.Type = TypePush
	}
	return job
}
