package engined

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/homelistingai/followup/internal/adapters"
	"github.com/homelistingai/followup/internal/config"
	"github.com/homelistingai/followup/internal/db"
	"github.com/homelistingai/followup/internal/engine"
	"github.com/homelistingai/followup/internal/models"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	contexts := adapters.NewStaticContextProvider()
	contexts.PutLead(models.Lead{ID: "lead-1", Name: "John Smith", Email: "john@example.com"})
	sink := adapters.NewLogSink(zerolog.Nop())

	cfg := config.DefaultConfig()
	cfg.Sequences.Dir = t.TempDir()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	eng, err := engine.Open(context.Background(), cfg, engine.Options{
		DB: database,
		Collaborators: &adapters.Collaborators{
			Messages: sink, Tasks: sink, Meetings: sink, SMS: sink, Calls: sink,
			Contexts: contexts,
		},
	})
	if err != nil {
		t.Fatalf("engine.Open failed: %v", err)
	}
	return eng
}

// dialBufconn serves srv on an in-memory listener and returns a client.
func dialBufconn(t *testing.T, srv EngineServiceServer, opts ...grpc.ServerOption) *Client {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(opts...)
	RegisterEngineServiceServer(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status error, got: %v", err)
	}
	if st.Code() != want {
		t.Fatalf("expected %v, got %v (%s)", want, st.Code(), st.Message())
	}
}

func TestEngineServiceRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	client := dialBufconn(t, NewServer(eng, zerolog.Nop(), WithVersion("test-version")))
	ctx := context.Background()

	enrolled, err := client.Enroll(ctx, &EnrollRequest{Event: models.TriggerEvent{
		TriggerType: models.TriggerLeadCapture,
		LeadID:      "lead-1",
	}})
	require.NoError(t, err)
	require.Len(t, enrolled.Result.ExecutionIDs, 1)
	id := enrolled.Result.ExecutionIDs[0]

	paused, err := client.Pause(ctx, &LifecycleRequest{ExecutionID: id, Reason: "call back later"})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPaused, paused.Execution.Status)

	resumed, err := client.Resume(ctx, &LifecycleRequest{ExecutionID: id})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusActive, resumed.Execution.Status)

	cancelled, err := client.Cancel(ctx, &LifecycleRequest{ExecutionID: id})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCancelled, cancelled.Execution.Status)

	listed, err := client.ListLeadExecutions(ctx, &ListLeadExecutionsRequest{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Len(t, listed.Executions, 1)
	require.Equal(t, id, listed.Executions[0].ID)

	hist, err := client.GetHistory(ctx, &GetHistoryRequest{ExecutionID: id})
	require.NoError(t, err)
	require.Len(t, hist.Events, 4)
	require.Equal(t, models.HistoryEnroll, hist.Events[0].Type)
	require.Equal(t, models.HistoryCancel, hist.Events[3].Type)

	stats, err := client.GetStats(ctx, &GetStatsRequest{})
	require.NoError(t, err)
	require.Equal(t, "test-version", stats.Version)
}

func TestEngineServiceErrors(t *testing.T) {
	eng := newTestEngine(t)
	client := dialBufconn(t, NewServer(eng, zerolog.Nop()))
	ctx := context.Background()

	_, err := client.Enroll(ctx, &EnrollRequest{Event: models.TriggerEvent{TriggerType: models.TriggerLeadCapture}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Pause(ctx, &LifecycleRequest{})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Pause(ctx, &LifecycleRequest{ExecutionID: "missing"})
	requireCode(t, err, codes.NotFound)

	_, err = client.GetHistory(ctx, &GetHistoryRequest{ExecutionID: "missing"})
	requireCode(t, err, codes.NotFound)

	_, err = client.ListLeadExecutions(ctx, &ListLeadExecutionsRequest{})
	requireCode(t, err, codes.InvalidArgument)

	enrolled, err := client.Enroll(ctx, &EnrollRequest{Event: models.TriggerEvent{TriggerType: models.TriggerLeadCapture, LeadID: "lead-1"}})
	require.NoError(t, err)
	_, err = client.Resume(ctx, &LifecycleRequest{ExecutionID: enrolled.Result.ExecutionIDs[0]})
	requireCode(t, err, codes.FailedPrecondition)
}

func TestEngineServiceRateLimited(t *testing.T) {
	eng := newTestEngine(t)
	limiter := NewRateLimiter(WithLimits(map[string]Limit{
		MethodGetStats: {Rate: 0.001, Burst: 2},
	}))
	client := dialBufconn(t, NewServer(eng, zerolog.Nop()), grpc.ChainUnaryInterceptor(limiter.UnaryServerInterceptor()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.GetStats(ctx, &GetStatsRequest{})
		require.NoError(t, err)
	}
	_, err := client.GetStats(ctx, &GetStatsRequest{})
	requireCode(t, err, codes.ResourceExhausted)
}
