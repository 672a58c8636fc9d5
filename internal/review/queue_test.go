package review

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	prospects  map[string]*model.Prospect
	candidates []model.MergeCandidate
	pushed     map[string]string
}

func (f *fakeStore) GetProspect(_ context.Context, id string) (*model.Prospect, error) {
	return f.prospects[id], nil
}

func (f *fakeStore) ListMergeCandidates(_ context.Context, _ int) ([]model.MergeCandidate, error) {
	return f.candidates, nil
}

func (f *fakeStore) MarkMergeCandidatePushed(_ context.Context, id, pageRef string) error {
	f.pushed[id] = pageRef
	return nil
}

type fakeNotion struct {
	pages   []*notionapi.PageCreateRequest
	failFor int
	calls   int
}

func (f *fakeNotion) QueryDatabase(_ context.Context, _ string, _ *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return nil, nil
}

func (f *fakeNotion) CreatePage(_ context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	f.calls++
	if f.calls == f.failFor {
		return nil, errors.New("notion down")
	}
	f.pages = append(f.pages, req)
	return &notionapi.Page{ID: notionapi.ObjectID("page-1")}, nil
}

func (f *fakeNotion) UpdatePage(_ context.Context, _ string, _ *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	return nil, nil
}

func TestQueue_Push(t *testing.T) {
	fs := &fakeStore{
		prospects: map[string]*model.Prospect{
			"p-1": {ID: "p-1", DisplayName: "Jane Maker"},
			"p-2": {ID: "p-2", DisplayName: "Jane Maker Co"},
		},
		candidates: []model.MergeCandidate{
			{ID: "mc-1", ProspectID: "p-1", CandidateID: "p-2", Signal: "name_similarity", Similarity: 0.9},
		},
		pushed: make(map[string]string),
	}
	fn := &fakeNotion{}
	q := NewQueue(fs, fn, "db-1")

	pushed, err := q.Push(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.Equal(t, "page-1", fs.pushed["mc-1"])
	require.Len(t, fn.pages, 1)
}

func TestQueue_Push_CreateFailureLeavesCandidate(t *testing.T) {
	fs := &fakeStore{
		prospects: map[string]*model.Prospect{
			"p-1": {ID: "p-1", DisplayName: "A"},
			"p-2": {ID: "p-2", DisplayName: "B"},
		},
		candidates: []model.MergeCandidate{
			{ID: "mc-1", ProspectID: "p-1", CandidateID: "p-2"},
		},
		pushed: make(map[string]string),
	}
	fn := &fakeNotion{failFor: 1}
	q := NewQueue(fs, fn, "db-1")

	pushed, err := q.Push(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, pushed)
	assert.Empty(t, fs.pushed)
}

func TestQueue_Push_MissingProspectSkipped(t *testing.T) {
	fs := &fakeStore{
		prospects: map[string]*model.Prospect{"p-1": {ID: "p-1"}},
		candidates: []model.MergeCandidate{
			{ID: "mc-1", ProspectID: "p-1", CandidateID: "p-gone"},
		},
		pushed: make(map[string]string),
	}
	fn := &fakeNotion{}
	q := NewQueue(fs, fn, "db-1")

	pushed, err := q.Push(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, pushed)
	assert.Empty(t, fn.pages)
}
