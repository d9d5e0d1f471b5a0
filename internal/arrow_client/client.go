package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
)

// PortData is the default Flight data port.
const PortData = 3000

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient ships embedding records to an Arrow Flight service.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

// NewFlightClient validates addr (host or host:port) without dialing.
func NewFlightClient(addr string) (*FlightClient, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, strconv.Itoa(PortData)
	}
	if host == "" {
		return nil, fmt.Errorf("flight address %q has no host", addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("flight address %q has an invalid port", addr)
	}
	return &FlightClient{
		addr:    net.JoinHostPort(host, port),
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

func descriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{dataset}}
}

// DoPut uploads rows to dataset and returns the number of rows the server
// acknowledged.
func (fc *FlightClient) DoPut(ctx context.Context, dataset string, rows []Embedding) (int64, error) {
	if fc.client == nil {
		return 0, ErrNotConnected
	}
	rec, err := NewRecord(fc.mem, rows)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(descriptor(dataset))
	if err := w.Write(rec); err != nil {
		w.Close()
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return 0, fmt.Errorf("failed to close stream: %w", err)
	}

	var acked int64
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acked, fmt.Errorf("DoPut: %w", err)
		}
		if n, err := strconv.ParseInt(string(res.GetAppMetadata()), 10, 64); err == nil {
			acked += n
		}
	}

	metrics.RecordEmbeddingsExported("flight", len(rows))
	logger.Log.Info("embeddings sent", "addr", fc.addr, "dataset", dataset, "rows", len(rows), "acked", acked)
	return acked, nil
}

// DoGet downloads every row stored under dataset.
func (fc *FlightClient) DoGet(ctx context.Context, dataset string) ([]Embedding, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(dataset)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", dataset, err)
	}
	defer rdr.Release()

	var out []Embedding
	for rdr.Next() {
		rows, err := Rows(rdr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("DoGet %s: %w", dataset, err)
	}
	return out, nil
}

// GetSchema retrieves the schema of dataset.
func (fc *FlightClient) GetSchema(ctx context.Context, dataset string) (*arrow.Schema, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	res, err := fc.client.GetSchema(ctx, descriptor(dataset))
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	return flight.DeserializeSchema(res.GetSchema(), fc.mem)
}
