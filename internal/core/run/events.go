package run

import "context"

// Publisher fans step events out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, v interface{}) error
}

// EventChannel is the pub/sub channel carrying the steps of a run.
func EventChannel(runID string) string { return "run:" + runID }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) error { return nil }
