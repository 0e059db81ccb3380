package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// Default Flight data port
	PortData = 3000

	// DefaultDataset is the descriptor path directions are put under.
	DefaultDataset = "directions"
)

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// VectorSink receives and serves batches of directions.
type VectorSink interface {
	Connect(ctx context.Context) error
	DoPut(ctx context.Context, dirs []*direction.Direction) error
	DoGet(ctx context.Context, ticket string) ([]*direction.Direction, error)
	Close() error
}

// FlightClient ships direction batches to an Arrow Flight server.
type FlightClient struct {
	client  flight.Client
	addr    string
	Dataset string
	timeout time.Duration
}

// NewFlightClient creates a new Flight client. Call Connect before use.
func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, fmt.Errorf("invalid flight host: empty")
	}
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		Dataset: DefaultDataset,
		timeout: 30 * time.Second,
	}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials the Flight server. The connection is established lazily by
// grpc, so errors surface on the first call.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("Flight client created", "addr", fc.addr)
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

// DoPut streams dirs as one record under the client's dataset descriptor.
func (fc *FlightClient) DoPut(ctx context.Context, dirs []*direction.Direction) error {
	if fc.client == nil {
		return ErrNotConnected
	}
	rec, err := DirectionsToRecord(memory.NewGoAllocator(), dirs)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{fc.Dataset},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}

	// Drain put results until the server closes the stream.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordExport("flight", len(dirs))
	logger.Log.Info("Directions sent", "addr", fc.addr, "dataset", fc.Dataset, "count", len(dirs))
	return nil
}

// DoGet fetches the directions behind ticket.
func (fc *FlightClient) DoGet(ctx context.Context, ticket string) ([]*direction.Direction, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer r.Release()

	var out []*direction.Direction
	for r.Next() {
		dirs, err := RecordToDirections(r.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}
	return out, nil
}
