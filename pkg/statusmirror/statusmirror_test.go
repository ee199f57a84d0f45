package statusmirror

import (
	"context"
	"testing"
)

func TestNilMirror_PublishesAreNoOps(t *testing.T) {
	var m *Mirror
	// nil receiver must not panic; every publish call degrades to a no-op.
	m.PublishJobStatus(context.Background(), JobStatus{JobID: "1"})
	m.PublishHealth(context.Background(), "ok")
}

func TestDisabledClient_PublishesAreNoOps(t *testing.T) {
	m := New(nil, "host-1")
	m.PublishJobStatus(context.Background(), JobStatus{JobID: "1"})
	m.PublishHealth(context.Background(), "ok")
}
