package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tileforge/tileforge/internal/imagegen"
	"github.com/tileforge/tileforge/internal/models"
)

// Producer is the artifact-producer contract: given a prompt/model/size it
// eventually returns a result URL or an error.
type Producer interface {
	Generate(ctx context.Context, opts imagegen.Options) (*imagegen.Result, error)
}

// Uploader persists artifact bytes and returns a publicly resolvable URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// maxArtifactBytes caps how much of a producer result we will download.
const maxArtifactBytes = 32 << 20

// Pipeline drives one queued generation to its terminal status:
// generating → producer call → byte fetch → upload → approved, with
// rejections and failures routed to their matching terminal states.
// Tokens were already charged at reservation time and a failing pipeline
// does not refund them.
type Pipeline struct {
	log         *slog.Logger
	generations *GenerationService
	producer    Producer
	uploader    Uploader
	httpClient  *http.Client
}

func NewPipeline(log *slog.Logger, generations *GenerationService, producer Producer, uploader Uploader) *Pipeline {
	return &Pipeline{
		log:         log,
		generations: generations,
		producer:    producer,
		uploader:    uploader,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Run processes a single generation. The context should outlive the HTTP
// request that created the generation; callers run this in a goroutine
// against the server's base context.
func (p *Pipeline) Run(ctx context.Context, gen *models.Generation) {
	log := p.log.With("generation_id", gen.ID, "user_id", gen.UserID, "model", gen.Model)

	if err := p.generations.MarkGenerating(ctx, gen.ID); err != nil {
		log.Error("failed to mark generating", "err", err)
		return
	}

	result, err := p.producer.Generate(ctx, imagegen.Options{
		Model:  gen.Model,
		Prompt: gen.Prompt,
		Size:   gen.Size,
	})
	if err != nil {
		var rejection *imagegen.RejectionError
		if errors.As(err, &rejection) {
			log.Info("generation rejected by producer", "reason", rejection.Reason)
			p.terminate(ctx, log, func(ctx context.Context) error {
				return p.generations.MarkRejected(ctx, gen.ID, rejection.Reason)
			})
			return
		}
		log.Error("producer failed", "err", err)
		p.terminate(ctx, log, func(ctx context.Context) error {
			return p.generations.MarkFailed(ctx, gen.ID, err.Error())
		})
		return
	}

	data, contentType, err := p.fetch(ctx, result.URL)
	if err != nil {
		log.Error("failed to fetch artifact", "url", result.URL, "err", err)
		p.terminate(ctx, log, func(ctx context.Context) error {
			return p.generations.MarkFailed(ctx, gen.ID, fmt.Sprintf("fetch artifact: %v", err))
		})
		return
	}

	publicURL, err := p.uploader.Upload(ctx, data, contentType)
	if err != nil {
		log.Error("failed to upload artifact", "err", err)
		p.terminate(ctx, log, func(ctx context.Context) error {
			return p.generations.MarkFailed(ctx, gen.ID, fmt.Sprintf("store artifact: %v", err))
		})
		return
	}

	if err := p.generations.MarkApproved(ctx, gen.ID, publicURL); err != nil {
		log.Error("failed to mark approved", "err", err)
		return
	}
	log.Info("generation approved", "image_url", publicURL)
}

func (p *Pipeline) terminate(ctx context.Context, log *slog.Logger, apply func(context.Context) error) {
	if err := apply(ctx); err != nil {
		log.Error("failed to record terminal status", "err", err)
	}
}

func (p *Pipeline) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("artifact fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
