package dataplane

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// enrollmentTokenHeader carries the shared enrollment secret on every
// data-plane call. The server rejects calls without it.
const enrollmentTokenHeader = "x-enrollment-token"

// ClientTLSConfig controls how the agent secures its data-plane uplink.
type ClientTLSConfig struct {
	Enabled            bool
	CAFile             string
	ServerNameOverride string
}

// tokenCredentials attaches the enrollment token to each call as metadata.
type tokenCredentials struct {
	token string
}

func (c tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{enrollmentTokenHeader: c.token}, nil
}

// The data plane may run in the clear on trusted networks, so the token
// does not insist on transport security.
func (c tokenCredentials) RequireTransportSecurity() bool { return false }

// Dial opens the agent's data-plane connection. The returned conn is lazy;
// streams establish transport on first use.
func Dial(serverAddr, enrollmentToken string, tlsCfg *ClientTLSConfig) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if tlsCfg != nil && tlsCfg.Enabled {
		creds, err := LoadClientCredentials(tlsCfg.CAFile, tlsCfg.ServerNameOverride)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if enrollmentToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{token: enrollmentToken}))
	}

	conn, err := grpc.NewClient(serverAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial data plane: %w", err)
	}
	return conn, nil
}
