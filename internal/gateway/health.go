// ABOUTME: gRPC health service reporting overall and per-line serving status
// ABOUTME: Line status transitions update health and are published as line.status events

package gateway

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/registry"
	"github.com/2389/wa-gateway/internal/store"
)

// LineService is the health service name of one line.
func LineService(tenantID string, lineIndex int) string {
	return fmt.Sprintf("wa.line/%s/%d", tenantID, lineIndex)
}

func registerHealth(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func servingStatus(s store.LineStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s == store.LineStatusReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// seedLineHealth publishes the persisted status of every line.
func (g *Gateway) seedLineHealth(ctx context.Context) {
	all, err := g.lines.List(ctx)
	if err != nil {
		g.logger.Warn("listing lines for health", "error", err)
		return
	}
	for _, l := range all {
		g.health.SetServingStatus(LineService(l.TenantID, l.LineIndex), servingStatus(l.Status))
	}
}

// onLineStatus observes registry transitions.
func (g *Gateway) onLineStatus(ch registry.StatusChange) {
	g.health.SetServingStatus(LineService(ch.TenantID, ch.LineIndex), servingStatus(ch.To))

	ev := events.NewLineStatusEvent(ch.TenantID, ch.LineIndex, events.LineStatus{
		Provider: ch.Provider,
		From:     ch.From,
		To:       ch.To,
		Reason:   ch.Reason,
	})
	if err := g.publisher.Publish(context.Background(), ev); err != nil {
		g.logger.Warn("publishing line status", "tenant_id", ch.TenantID, "line_index", ch.LineIndex, "error", err)
	}
}
