package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tileforge/tileforge/internal/imagegen"
	"github.com/tileforge/tileforge/internal/models"
)

type fakeProducer struct {
	result *imagegen.Result
	err    error
}

func (f *fakeProducer) Generate(_ context.Context, _ imagegen.Options) (*imagegen.Result, error) {
	return f.result, f.err
}

type fakeUploader struct {
	url  string
	err  error
	data []byte
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, _ string) (string, error) {
	f.data = data
	return f.url, f.err
}

func queuedGeneration(t *testing.T, svc *GenerationService) *models.Generation {
	t.Helper()
	g, err := svc.Create(context.Background(), "u1", "a fox", models.ModelFlux2, "")
	require.NoError(t, err)
	return g
}

func TestPipelineApprovesOnSuccess(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer artifact.Close()

	gens, store := newGenerationFixture()
	producer := &fakeProducer{result: &imagegen.Result{URL: artifact.URL}}
	uploader := &fakeUploader{url: "https://cdn.example.com/tiles/t.png"}
	p := NewPipeline(slog.Default(), gens, producer, uploader)

	g := queuedGeneration(t, gens)
	p.Run(context.Background(), g)

	stored, err := store.FindByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	require.NotNil(t, stored.ImageURL)
	assert.Equal(t, uploader.url, *stored.ImageURL)
	assert.Equal(t, []byte("png-bytes"), uploader.data)
}

func TestPipelineRejectsOnModeration(t *testing.T) {
	gens, store := newGenerationFixture()
	producer := &fakeProducer{err: &imagegen.RejectionError{Reason: "content policy"}}
	p := NewPipeline(slog.Default(), gens, producer, &fakeUploader{})

	g := queuedGeneration(t, gens)
	p.Run(context.Background(), g)

	stored, err := store.FindByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, stored.Status)
	require.NotNil(t, stored.RejectionReason)
	assert.Equal(t, "content policy", *stored.RejectionReason)
	assert.Nil(t, stored.ImageURL)
}

func TestPipelineFailsOnProducerError(t *testing.T) {
	gens, store := newGenerationFixture()
	producer := &fakeProducer{err: errors.New("task timeout after 60 attempts")}
	p := NewPipeline(slog.Default(), gens, producer, &fakeUploader{})

	g := queuedGeneration(t, gens)
	p.Run(context.Background(), g)

	stored, err := store.FindByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "task timeout")
}

func TestPipelineFailsOnUploadError(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer artifact.Close()

	gens, store := newGenerationFixture()
	producer := &fakeProducer{result: &imagegen.Result{URL: artifact.URL}}
	uploader := &fakeUploader{err: errors.New("bucket gone")}
	p := NewPipeline(slog.Default(), gens, producer, uploader)

	g := queuedGeneration(t, gens)
	p.Run(context.Background(), g)

	stored, err := store.FindByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "store artifact")
}

func TestPipelineFailsOnArtifactFetchError(t *testing.T) {
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer artifact.Close()

	gens, store := newGenerationFixture()
	producer := &fakeProducer{result: &imagegen.Result{URL: artifact.URL}}
	p := NewPipeline(slog.Default(), gens, producer, &fakeUploader{})

	g := queuedGeneration(t, gens)
	p.Run(context.Background(), g)

	stored, err := store.FindByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}
