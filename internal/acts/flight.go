package acts

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Publisher sends a merged activation table to an Arrow Flight endpoint.
type Publisher struct {
	addr    string
	timeout time.Duration
}

// NewPublisher creates a publisher for the given Flight address.
func NewPublisher(addr string) *Publisher {
	return &Publisher{
		addr:    addr,
		timeout: 5 * time.Minute,
	}
}

// Publish streams the record under the given dataset name via DoPut.
func (p *Publisher) Publish(ctx context.Context, rec arrow.Record, name string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := flight.NewClientWithMiddleware(p.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	defer func() { _ = client.Close() }()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	wtr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wtr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})

	if err := wtr.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := wtr.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	// Drain acknowledgements before reporting success.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("publish not acknowledged: %w", err)
		}
	}
}
