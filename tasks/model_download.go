package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mikelund/magpie/appconfig"
	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
	"github.com/mikelund/magpie/previews"
)

// ModelDownloadPayload is the payload for a model-download job.
type ModelDownloadPayload struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	SHA256     string `json:"sha256,omitempty"`
	Extract    bool   `json:"extract,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Dest returns the destination path in the model tree for this payload. It
// is also the operation id the download manager reports progress under.
func (p ModelDownloadPayload) Dest(modelRoot string) string {
	name := p.Name
	if name == "" {
		name = filenameFromURL(p.URL)
	}
	return filepath.Join(modelRoot, catalog.DirForType(p.Type), name)
}

func modelDownloadTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p ModelDownloadPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		q.ErrorJob(j.ID, "invalid payload: "+err.Error())
		return err
	}
	if p.URL == "" {
		err := fmt.Errorf("model download requires a url")
		q.ErrorJob(j.ID, err.Error())
		return err
	}

	if err := DownloadModel(j.Ctx, p); err != nil {
		select {
		case <-j.Ctx.Done():
			_ = q.CancelJob(j.ID)
		default:
			_ = q.ErrorJob(j.ID, err.Error())
		}
		return err
	}

	return q.CompleteJob(j.ID)
}

// DownloadModel fetches one model into the model tree, verifies it, unpacks
// archives when the payload asks, and registers the result in the catalog.
// Progress is reported through the shared download manager.
func DownloadModel(ctx context.Context, p ModelDownloadPayload) error {
	cfg := appconfig.Get()

	dest := p.Dest(cfg.ModelRoot)
	name := filepath.Base(dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	err := manager.Run(ctx, dest, name, func(ctx context.Context, cb downloads.ProgressCallback) error {
		if err := fetchTo(ctx, dest, p.URL, cfg, cb); err != nil {
			return err
		}
		if err := downloads.VerifySHA256(dest, p.SHA256); err != nil {
			os.Remove(dest)
			return err
		}
		if p.Extract {
			if !downloads.IsArchive(dest) {
				return fmt.Errorf("%s is not a supported archive", name)
			}
			cb(downloads.Progress{Status: downloads.StatusInstalling, Message: "Extracting archive..."})
			if err := downloads.Extract(dest, filepath.Dir(dest), cb); err != nil {
				return err
			}
			os.Remove(dest)
		}
		return nil
	})
	if err != nil {
		return err
	}

	previewPath := ""
	if p.PreviewURL != "" {
		if _, err := os.Stat(dest); err == nil {
			pp, err := fetchPreview(ctx, dest, p.PreviewURL)
			if err != nil {
				log.Printf("preview for %s: %v", name, err)
			} else {
				previewPath = pp
			}
		}
	}

	return registerDownloaded(cfg, dest, previewPath, p)
}

// fetchPreview downloads a preview image next to the model file and warms
// its thumbnail. Returns the preview's path.
func fetchPreview(ctx context.Context, dest, previewURL string) (string, error) {
	ext := ".png"
	if u, err := url.Parse(previewURL); err == nil {
		if e := strings.ToLower(filepath.Ext(u.Path)); previews.IsPreviewFile(e) {
			ext = e
		}
	}
	previewPath := strings.TrimSuffix(dest, filepath.Ext(dest)) + ext
	discard := func(downloaded, total int64) {}
	if err := downloads.FetchHTTP(ctx, previewPath, previewURL, nil, discard); err != nil {
		return "", err
	}
	if _, err := previews.Thumbnail(previewPath); err != nil {
		log.Printf("thumbnailing %s: %v", previewPath, err)
	}
	return previewPath, nil
}

// fetchTo runs the transfer itself, translating raw byte counts into
// progress updates with a rolling speed estimate.
func fetchTo(ctx context.Context, dest, rawURL string, cfg appconfig.Config, cb downloads.ProgressCallback) error {
	tracker := downloads.NewSpeedTracker()
	byteCb := func(downloaded, total int64) {
		p := downloads.Progress{
			Status:          downloads.StatusDownloading,
			BytesDownloaded: downloaded,
			TotalBytes:      total,
			Speed:           tracker.Update(downloaded),
			Message:         fmt.Sprintf("Downloading %s", downloads.FormatBytes(downloaded)),
		}
		if total > 0 {
			p.Percent = float64(downloaded) / float64(total) * 100
		}
		cb(p)
	}

	if downloads.IsS3URL(rawURL) {
		opts := downloads.S3Options{
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}
		return downloads.FetchS3(ctx, dest, rawURL, opts, byteCb)
	}
	return downloads.FetchHTTPWithRetry(ctx, dest, rawURL, tokenDecorator(rawURL, cfg), byteCb)
}

// registerDownloaded records the downloaded file in the catalog. Archives
// have already been unpacked and removed, so those go through a tree scan
// instead.
func registerDownloaded(cfg appconfig.Config, dest, previewPath string, p ModelDownloadPayload) error {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if _, err := store.ScanRoot(cfg.ModelRoot); err != nil {
			log.Printf("post-extract scan failed: %v", err)
		}
		return nil
	}

	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(cfg.ModelRoot, dest)
	if err != nil {
		return err
	}
	relPreview := ""
	if previewPath != "" {
		if rp, err := filepath.Rel(cfg.ModelRoot, previewPath); err == nil {
			relPreview = filepath.ToSlash(rp)
		}
	}
	base := filepath.Base(dest)
	return store.SaveModel(&catalog.Model{
		Name:        strings.TrimSuffix(base, filepath.Ext(base)),
		Type:        p.Type,
		Path:        filepath.ToSlash(rel),
		Size:        info.Size(),
		SHA256:      strings.ToLower(p.SHA256),
		SourceURL:   p.URL,
		PreviewPath: relPreview,
	})
}

// tokenDecorator attaches the configured API token for hosts that need one.
func tokenDecorator(rawURL string, cfg appconfig.Config) downloads.RequestDecorator {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	switch {
	case host == "civitai.com" && cfg.CivitaiAPIKey != "":
		return downloads.BearerToken(cfg.CivitaiAPIKey)
	case host == "huggingface.co" && cfg.HuggingFaceToken != "":
		return downloads.BearerToken(cfg.HuggingFaceToken)
	}
	return nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download.bin"
	}
	base := filepath.Base(u.Path)
	if base == "." || base == "/" {
		return "download.bin"
	}
	return base
}
