package cli

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/homelistingai/followup/internal/engined"
)

// dialEngine connects to a running followupd gRPC service.
func dialEngine(addr string) (*engined.Client, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return engined.NewClient(conn), conn.Close, nil
}
