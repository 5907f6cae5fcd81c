package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type gate chan struct{}

func (g gate) Done() <-chan struct{} { return g }

func startServer(t *testing.T, ready Readiness) (healthpb.HealthClient, context.CancelFunc, <-chan error) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New("0", ready)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, lis)
		close(errCh)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-errCh
	})
	return healthpb.NewHealthClient(conn), cancel, errCh
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

func waitStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := status(t, client, service)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Check(%q) = %v, want %v", service, got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotServingUntilReady(t *testing.T) {
	g := make(gate)
	client, _, _ := startServer(t, g)

	if got := status(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before ready = %v, want NOT_SERVING", got)
	}
	if got := status(t, client, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("service before ready = %v, want NOT_SERVING", got)
	}

	close(g)
	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
	waitStatus(t, client, ServiceName, healthpb.HealthCheckResponse_SERVING)
}

func TestNilReadinessServesImmediately(t *testing.T) {
	client, _, _ := startServer(t, nil)
	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
}

func TestServeReturnsOnCancel(t *testing.T) {
	_, cancel, errCh := startServer(t, make(gate))
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
