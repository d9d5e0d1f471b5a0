package arrow_client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MemoryServer is an in-process Flight service that keeps uploaded records
// in memory, keyed by descriptor path.
type MemoryServer struct {
	flight.BaseFlightServer

	mu   sync.RWMutex
	mem  memory.Allocator
	data map[string][]arrow.Record
	srv  flight.Server
}

func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		mem:  memory.DefaultAllocator,
		data: make(map[string][]arrow.Record),
	}
}

// Start listens on addr ("localhost:0" picks a free port) and serves in the
// background.
func (s *MemoryServer) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("flight listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() { _ = s.srv.Serve() }()
	return nil
}

func (s *MemoryServer) Addr() string {
	return s.srv.Addr().String()
}

// Stop shuts the server down and drops every stored record.
func (s *MemoryServer) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, recs := range s.data {
		for _, r := range recs {
			r.Release()
		}
		delete(s.data, k)
	}
}

func (s *MemoryServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "missing descriptor path")
	}
	key := strings.Join(desc.Path, "/")

	var n int64
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		s.mu.Lock()
		s.data[key] = append(s.data[key], rec)
		s.mu.Unlock()
		n += rec.NumRows()
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "read records: %v", err)
	}
	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.FormatInt(n, 10))})
}

func (s *MemoryServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	s.mu.RLock()
	recs := s.data[string(tkt.GetTicket())]
	s.mu.RUnlock()
	if len(recs) == 0 {
		return status.Errorf(codes.NotFound, "dataset %q not found", tkt.GetTicket())
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()), ipc.WithAllocator(s.mem))
	defer w.Close()
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryServer) GetSchema(_ context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	key := strings.Join(desc.GetPath(), "/")
	s.mu.RLock()
	recs := s.data[key]
	s.mu.RUnlock()
	if len(recs) == 0 {
		return nil, status.Errorf(codes.NotFound, "dataset %q not found", key)
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(recs[0].Schema(), s.mem)}, nil
}

// Datasets reports the row count of every stored dataset.
func (s *MemoryServer) Datasets() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.data))
	for k, recs := range s.data {
		for _, r := range recs {
			out[k] += r.NumRows()
		}
	}
	return out
}
