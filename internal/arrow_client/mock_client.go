package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// MockFlightClient is an in-memory VectorSink. Batches go through the same
// Arrow record conversion as the real client.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]arrow.Record
	Dataset   string
}

// NewMockFlightClient creates a new mock client
func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data:    make(map[string][]arrow.Record),
		Dataset: DefaultDataset,
	}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close disconnects and frees the stored records.
func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	for k, recs := range m.data {
		for _, rec := range recs {
			rec.Release()
		}
		delete(m.data, k)
	}
	return nil
}

func (m *MockFlightClient) DoPut(ctx context.Context, dirs []*direction.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	rec, err := DirectionsToRecord(memory.NewGoAllocator(), dirs)
	if err != nil {
		return err
	}
	m.data[m.Dataset] = append(m.data[m.Dataset], rec)
	metrics.RecordExport("mock", len(dirs))
	return nil
}

func (m *MockFlightClient) DoGet(ctx context.Context, ticket string) ([]*direction.Direction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	recs, ok := m.data[ticket]
	if !ok {
		return nil, fmt.Errorf("ticket not found: %s", ticket)
	}
	var out []*direction.Direction
	for _, rec := range recs {
		dirs, err := RecordToDirections(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, dirs...)
	}
	return out, nil
}

// Count returns the number of stored rows under ticket.
func (m *MockFlightClient) Count(ticket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.data[ticket] {
		n += int(rec.NumRows())
	}
	return n
}

var (
	_ VectorSink = (*FlightClient)(nil)
	_ VectorSink = (*MockFlightClient)(nil)
)
