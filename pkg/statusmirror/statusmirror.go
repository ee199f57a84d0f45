// Package statusmirror publishes host node job and health status to
// Firestore for off-chain dashboards, reusing the Firebase Admin SDK
// client. It is purely observational: nothing in the claim,
// checkpoint, or payment path depends on it, so a disabled or failing
// mirror never blocks chain operations.
package statusmirror

import (
	"context"
	"log"
	"time"

	"github.com/meshcompute/host-node/pkg/firestore"
)

// JobStatus is one row in the host's job-activity collection.
type JobStatus struct {
	JobID     string    `firestore:"jobId"`
	HostID    string    `firestore:"hostId"`
	State     string    `firestore:"state"`
	ModelID   string    `firestore:"modelId,omitempty"`
	TxHash    string    `firestore:"txHash,omitempty"`
	Reason    string    `firestore:"reason,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// HealthStatus is the periodic host health row.
type HealthStatus struct {
	HostID    string    `firestore:"hostId"`
	Status    string    `firestore:"status"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// Mirror wraps a firestore.Client scoped to one host's documents. A
// nil or disabled underlying client makes every method a no-op.
type Mirror struct {
	client *firestore.Client
	hostID string
	logger *log.Logger
}

// New constructs a Mirror. client may be nil (e.g. FIRESTORE_ENABLED
// is false), in which case every publish call is a silent no-op.
func New(client *firestore.Client, hostID string) *Mirror {
	return &Mirror{client: client, hostID: hostID, logger: log.New(log.Writer(), "[StatusMirror] ", log.LstdFlags)}
}

func (m *Mirror) enabled() bool {
	return m != nil && m.client != nil && m.client.IsEnabled()
}

// PublishJobStatus upserts a job's current state.
func (m *Mirror) PublishJobStatus(ctx context.Context, s JobStatus) {
	if !m.enabled() {
		return
	}
	s.HostID = m.hostID
	s.UpdatedAt = time.Now()
	ref := m.client.Collection("hostNodeJobs").Doc(m.hostID + "_" + s.JobID)
	if _, err := ref.Set(ctx, s); err != nil {
		m.logger.Printf("publish job status failed for job %s: %v", s.JobID, err)
	}
}

// PublishHealth upserts the host's current health status.
func (m *Mirror) PublishHealth(ctx context.Context, status string) {
	if !m.enabled() {
		return
	}
	doc := HealthStatus{HostID: m.hostID, Status: status, UpdatedAt: time.Now()}
	ref := m.client.Collection("hostNodeHealth").Doc(m.hostID)
	if _, err := ref.Set(ctx, doc); err != nil {
		m.logger.Printf("publish health failed: %v", err)
	}
}

