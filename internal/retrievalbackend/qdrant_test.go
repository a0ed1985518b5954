package retrievalbackend

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// --- Fakes ---

type fakePoints struct {
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	deleteResp *pb.PointsOperationResponse
	deleteErr  error
	searchResp *pb.SearchResponse
	searchErr  error
}

func (f *fakePoints) Upsert(_ context.Context, _ *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return f.upsertResp, f.upsertErr
}
func (f *fakePoints) Delete(_ context.Context, _ *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return f.deleteResp, f.deleteErr
}
func (f *fakePoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return f.searchResp, f.searchErr
}

type fakeCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	createResp *pb.CollectionOperationResponse
	createErr  error
	deleteResp *pb.CollectionOperationResponse
	deleteErr  error
}

func (f *fakeCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return f.listResp, f.listErr
}
func (f *fakeCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return f.createResp, f.createErr
}
func (f *fakeCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return f.deleteResp, f.deleteErr
}

// --- Tests ---

func TestNewDialsWithoutError(t *testing.T) {
	vs, err := New("localhost:0", "test-collection")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs == nil {
		t.Fatal("expected non-nil store")
	}
	vs.Close()
}

func TestCloseNilConnIsNoop(t *testing.T) {
	vs := NewWithClients(nil, nil, "test")
	if err := vs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewWithClients(t *testing.T) {
	vs := NewWithClients(&fakePoints{}, &fakeCollections{}, "test")
	if vs == nil {
		t.Fatal("expected non-nil")
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEnsureCollectionAlreadyExists(t *testing.T) {
	cols := &fakeCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "test"}},
		},
	}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollectionOtherCollectionExists(t *testing.T) {
	cols := &fakeCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "other"}},
		},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollectionCreates(t *testing.T) {
	cols := &fakeCollections{
		listResp:   &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.EnsureCollection(context.Background(), 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollectionListError(t *testing.T) {
	cols := &fakeCollections{listErr: errors.New("rpc fail")}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsureCollectionCreateError(t *testing.T) {
	cols := &fakeCollections{
		listResp:  &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}},
		createErr: errors.New("create fail"),
	}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteCollectionSuccess(t *testing.T) {
	cols := &fakeCollections{deleteResp: &pb.CollectionOperationResponse{Result: true}}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.DeleteCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteCollectionError(t *testing.T) {
	cols := &fakeCollections{deleteErr: errors.New("fail")}
	vs := NewWithClients(&fakePoints{}, cols, "test")
	if err := vs.DeleteCollection(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsertEmpty(t *testing.T) {
	vs := NewWithClients(&fakePoints{}, &fakeCollections{}, "test")
	if err := vs.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpsertSuccess(t *testing.T) {
	pts := &fakePoints{upsertResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &fakeCollections{}, "test")

	records := []VectorRecord{
		{
			ID:        "id1",
			Embedding: []float32{1, 0, 0, 0},
			Payload: map[string]any{
				"content": "hello",
				"count":   42,
				"count64": int64(99),
				"score":   3.14,
				"active":  true,
				"other":   []int{1, 2}, // default case
			},
		},
	}
	if err := vs.Upsert(context.Background(), records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpsertError(t *testing.T) {
	pts := &fakePoints{upsertErr: errors.New("fail")}
	vs := NewWithClients(pts, &fakeCollections{}, "test")

	records := []VectorRecord{{ID: "id1", Embedding: []float32{1, 0}}}
	if err := vs.Upsert(context.Background(), records); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteByDocIDSuccess(t *testing.T) {
	pts := &fakePoints{deleteResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	if err := vs.DeleteByDocID(context.Background(), "doc1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteByDocIDError(t *testing.T) {
	pts := &fakePoints{deleteErr: errors.New("fail")}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	if err := vs.DeleteByDocID(context.Background(), "doc1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchSuccess(t *testing.T) {
	pts := &fakePoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
					Score: 0.95,
					Payload: map[string]*pb.Value{
						"content": {Kind: &pb.Value_StringValue{StringValue: "how retry budget clamps n_ctx"}},
						"doc_id":  {Kind: &pb.Value_StringValue{StringValue: "d1"}},
						"source":  {Kind: &pb.Value_StringValue{StringValue: "docs"}},
						"extra":   {Kind: &pb.Value_StringValue{StringValue: "val"}},
					},
				},
			},
		},
	}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	results, err := vs.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1, got %d", len(results))
	}
	if results[0].Content != "how retry budget clamps n_ctx" {
		t.Errorf("wrong content: %s", results[0].Content)
	}
	if results[0].DocID != "d1" {
		t.Errorf("wrong doc_id: %s", results[0].DocID)
	}
	if results[0].Source != "docs" {
		t.Errorf("wrong source: %s", results[0].Source)
	}
	if results[0].Meta["extra"] != "val" {
		t.Errorf("wrong meta: %v", results[0].Meta)
	}
	if results[0].ID != "p1" || results[0].Score != 0.95 {
		t.Error("wrong id/score")
	}
}

func TestSearchError(t *testing.T) {
	pts := &fakePoints{searchErr: errors.New("fail")}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	_, err := vs.Search(context.Background(), []float32{1}, 5)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchFilteredWithFilters(t *testing.T) {
	pts := &fakePoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
					Score:   0.8,
					Payload: map[string]*pb.Value{},
				},
			},
		},
	}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	results, err := vs.SearchFiltered(context.Background(), []float32{1}, 5, map[string]string{"repo": "acme/widgets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1, got %d", len(results))
	}
}

func TestSearchFilteredEmptyResults(t *testing.T) {
	pts := &fakePoints{searchResp: &pb.SearchResponse{}}
	vs := NewWithClients(pts, &fakeCollections{}, "test")
	results, err := vs.SearchFiltered(context.Background(), []float32{1}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0, got %d", len(results))
	}
}

func TestFieldMatch(t *testing.T) {
	cond := fieldMatch("key", "value")
	fc := cond.GetField()
	if fc.Key != "key" {
		t.Fatalf("expected key, got %s", fc.Key)
	}
	if fc.Match.GetKeyword() != "value" {
		t.Fatalf("expected value, got %s", fc.Match.GetKeyword())
	}
}
