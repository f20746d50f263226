package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

func TestGetJobDecodesAndValidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/job-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         "job-1",
			"kind":       "foundation_model_run",
			"scope":      map[string]string{"kind": "dataset", "id": "d-1"},
			"status":     "running",
			"processed":  40,
			"total":      100,
			"created_at": time.Now().UTC(),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	job, err := client.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.JobKindFoundationModelRun, job.Kind)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "dataset:d-1", job.ScopeKey)
	assert.Equal(t, 40, job.Progress.Processed)
	assert.InDelta(t, 0.4, job.Progress.Fraction, 0.001)
}

func TestGetJobRejectsStatusOutsideKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// "post_processing" belongs to foundation runs, not filters.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "job-2",
			"kind":   "species_filter_application",
			"scope":  map[string]string{"kind": "dataset", "id": "d-1"},
			"status": "post_processing",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetJob(context.Background(), "job-2")
	require.Error(t, err)

	var unknown *models.UnknownStatusError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, models.JobKindSpeciesFilter, unknown.Kind)
	assert.Equal(t, "post_processing", unknown.Status)
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestMissingJobIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetJob(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, IsTransient(err), "a missing job never resolves by retrying")
}

func TestClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	client := NewClient(server.URL)
	_, err := client.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAPIKeySentAsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret-key"))
	client.DeleteJob(context.Background(), "job-1")
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestCreateJobPostsRequestBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req interfaces.CreateJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.JobKindInferenceBatch, req.Kind)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "job-9",
			"kind":   "inference_batch",
			"scope":  map[string]string{"kind": "model", "id": "m-1"},
			"status": "pending",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	job, err := client.CreateJob(context.Background(), &interfaces.CreateJobRequest{
		Kind:  models.JobKindInferenceBatch,
		Scope: models.Scope{Kind: models.ScopeKindModel, ID: "m-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-9", job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestCancelJobHitsCancelEndpoint(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "job-3",
			"kind":   "inference_batch",
			"scope":  map[string]string{"kind": "model", "id": "m-1"},
			"status": "cancelled",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	job, err := client.CancelJob(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/jobs/job-3/cancel", gotPath)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestListSummaryMapsWireFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scopes/dataset:d-1/summary", r.URL.Path)
		assert.Equal(t, "foundation_model_run", r.URL.Query().Get("kind"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"latest_run": map[string]interface{}{
				"id":     "job-5",
				"kind":   "foundation_model_run",
				"scope":  map[string]string{"kind": "dataset", "id": "d-1"},
				"status": "running",
			},
			"last_completed_run": map[string]interface{}{
				"id":     "job-4",
				"kind":   "foundation_model_run",
				"scope":  map[string]string{"kind": "dataset", "id": "d-1"},
				"status": "completed",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d-1"}
	summary, err := client.ListSummary(context.Background(), models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)

	require.NotNil(t, summary.Latest)
	assert.Equal(t, "job-5", summary.Latest.ID)
	require.NotNil(t, summary.LastCompleted)
	assert.Equal(t, "job-4", summary.LastCompleted.ID)
	assert.False(t, summary.FetchedAt.IsZero())
}

func TestListSummaryOmitsAbsentJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "fresh"}
	summary, err := client.ListSummary(context.Background(), models.JobKindFoundationModelRun, scope)
	require.NoError(t, err)
	assert.Nil(t, summary.Latest)
	assert.Nil(t, summary.LastCompleted)
}

func TestListHistoryForwardsFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "species_filter_application", q.Get("kind"))
		assert.Equal(t, "completed", q.Get("status"))
		assert.Equal(t, "20", q.Get("limit"))
		assert.Equal(t, "40", q.Get("offset"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs": []map[string]interface{}{{
				"id":     "job-7",
				"kind":   "species_filter_application",
				"scope":  map[string]string{"kind": "dataset", "id": "d-1"},
				"status": "completed",
			}},
			"total_count": 61,
			"limit":       20,
			"offset":      40,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	scope := models.Scope{Kind: models.ScopeKindDataset, ID: "d-1"}
	page, err := client.ListHistory(context.Background(), models.JobKindSpeciesFilter, scope, &interfaces.HistoryFilter{
		Status: "completed",
		Limit:  20,
		Offset: 40,
	})
	require.NoError(t, err)
	assert.Equal(t, 61, page.TotalCount)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "job-7", page.Jobs[0].ID)
}

func TestListModelsParsesStates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p-1/models", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "m-1", "name": "dawn-chorus", "state": "deployed"},
			{"id": "m-2", "name": "night-flight", "state": "draft"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	project := models.Scope{Kind: models.ScopeKindMLProject, ID: "p-1"}
	result, err := client.ListModels(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, models.ModelStateDeployed, result[0].State)
	assert.True(t, result[0].State.IsServable())
	assert.False(t, result[1].State.IsServable())
	assert.Equal(t, project, result[0].Project)
}
