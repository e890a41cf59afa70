package worker

import (
	"context"
	"fmt"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/storage"
)

// generated is what a provider call produced, plus the usage it is billed on.
type generated struct {
	media      []provider.Media
	operation  string
	resolution string
	quantity   int
	width      int
	height     int
	duration   float64
	characters int
}

func (w *GenerationWorker) generate(ctx context.Context, prov provider.Provider, job *model.Job, payload model.JobPayload) (*generated, error) {
	r := w.retriers[job.Kind]
	if r == nil {
		return nil, queue.Permanent(fmt.Errorf("no retry policy for %s jobs", job.Kind))
	}
	key := prov.Name()

	switch p := payload.(type) {
	case model.ImagePayload:
		var res *provider.ImageResult
		err := r.Do(ctx, key, func(ctx context.Context) (err error) {
			res, err = prov.GenerateImage(ctx, provider.ImageRequest{
				Model:          job.Model,
				Prompt:         p.Prompt,
				NegativePrompt: p.NegativePrompt,
				AspectRatio:    p.AspectRatio,
				Resolution:     p.Resolution,
				NumImages:      p.Quantity(),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return &generated{
			media:      res.Images,
			operation:  pricing.OperationImage,
			resolution: p.Resolution,
			quantity:   len(res.Images),
			width:      res.Width,
			height:     res.Height,
		}, nil

	case model.VideoPayload:
		var res *provider.VideoResult
		err := r.Do(ctx, key, func(ctx context.Context) (err error) {
			res, err = prov.GenerateVideo(ctx, provider.VideoRequest{
				Model:           job.Model,
				ImageURL:        p.ImageURL,
				MotionPrompt:    p.MotionPrompt,
				DurationSeconds: p.DurationSeconds,
				Resolution:      p.Resolution,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		duration := res.DurationSeconds
		if duration <= 0 {
			duration = float64(p.DurationSeconds)
		}
		return &generated{
			media:      []provider.Media{res.Video},
			operation:  pricing.OperationVideo,
			resolution: p.Resolution,
			quantity:   1,
			duration:   duration,
		}, nil

	case model.AudioPayload:
		var res *provider.AudioResult
		err := r.Do(ctx, key, func(ctx context.Context) (err error) {
			res, err = prov.GenerateAudio(ctx, provider.AudioRequest{
				Model:   job.Model,
				Text:    p.Text,
				VoiceID: p.VoiceID,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return &generated{
			media:      []provider.Media{res.Audio},
			operation:  pricing.OperationVoice,
			quantity:   1,
			duration:   res.DurationSeconds,
			characters: res.Characters,
		}, nil
	}
	return nil, queue.Permanent(apperr.Validation("type", "%s jobs cannot run on the generation worker", payload.Kind()))
}

// upload stores every artifact under <org>/<kind>/<job>/ with names fixed by
// position, so a repeated attempt overwrites instead of duplicating.
func (w *GenerationWorker) upload(ctx context.Context, job *model.Job, out *generated) ([]model.Asset, error) {
	if len(out.media) == 0 {
		return nil, queue.Permanent(&apperr.ProviderError{Provider: job.Provider, Message: "no media returned"})
	}

	assets := make([]model.Asset, 0, len(out.media))
	for i, m := range out.media {
		opts := storage.UploadOptions{
			Folder:      fmt.Sprintf("%s/%s/%s", job.OrganizationID, job.Kind, job.ID),
			FileName:    fmt.Sprintf("%d%s", i, storage.Extension(m.ContentType)),
			ContentType: m.ContentType,
		}

		var (
			res *storage.UploadResult
			err error
		)
		switch {
		case m.URL != "":
			res, err = w.Storage.UploadFromURL(ctx, m.URL, opts)
		case m.Base64 != "":
			res, err = w.Storage.UploadBase64(ctx, m.Base64, opts)
		case len(m.Data) > 0:
			res, err = w.Storage.UploadBuffer(ctx, m.Data, opts)
		default:
			return nil, queue.Permanent(&apperr.ProviderError{Provider: job.Provider, Message: fmt.Sprintf("media %d is empty", i)})
		}
		if err != nil {
			return nil, apperr.Persistence("upload asset", err)
		}

		assets = append(assets, model.Asset{
			Path:            res.Path,
			URL:             res.PublicURL,
			ContentType:     m.ContentType,
			Size:            res.Size,
			Width:           out.width,
			Height:          out.height,
			DurationSeconds: out.duration,
		})
	}
	return assets, nil
}
