package download

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// progressEvery is how many completions pass between progress reports.
const progressEvery = 50

// Counts tallies the outcome of one download stage.
type Counts struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Total returns the number of items the stage handled.
func (c Counts) Total() int { return c.Downloaded + c.Skipped + c.Failed }

type assetJob struct {
	name string
	obj  AssetObject
}

// assetClaim is the outcome of the first download of a hash. done is
// closed once err is set.
type assetClaim struct {
	done chan struct{}
	err  error
}

// InstallAssets fetches the asset index into
// {updatesRoot}/assets/{id}/index.json and every object it lists into
// objects/{hash[:2]}/{hash} beside it. Objects sharing a hash are fetched
// once; a later claim of that hash waits for the first and counts as
// skipped when it succeeded, failed otherwise. Per-object failures are
// counted and logged, and only cancellation stops the pool early.
func (c *Coordinator) InstallAssets(ctx context.Context, ref AssetIndexRef) (Counts, error) {
	if ref.ID == "" || strings.ContainsAny(ref.ID, `/\`) || ref.ID == "." || ref.ID == ".." {
		return Counts{}, fmt.Errorf("invalid asset index id %q", ref.ID)
	}
	base := filepath.Join(c.updatesRoot, AssetsDirectory, ref.ID)
	indexPath := filepath.Join(base, "index.json")

	if _, err := c.FetchWithVerification(ctx, ref.URL, indexPath, ref.SHA1); err != nil {
		return Counts{}, fmt.Errorf("fetching asset index %s: %w", ref.ID, err)
	}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return Counts{}, fmt.Errorf("reading asset index: %w", err)
	}
	var index AssetIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return Counts{}, fmt.Errorf("decoding asset index %s: %w", ref.ID, err)
	}

	jobs := make([]assetJob, 0, len(index.Objects))
	for name, obj := range index.Objects {
		jobs = append(jobs, assetJob{name: name, obj: obj})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].name < jobs[j].name })

	return c.runAssetPool(ctx, filepath.Join(base, "objects"), jobs)
}

func (c *Coordinator) runAssetPool(ctx context.Context, objectsDir string, jobs []assetJob) (Counts, error) {
	var (
		cursor     atomic.Int64
		completed  atomic.Int64
		downloaded atomic.Int64
		skipped    atomic.Int64
		failed     atomic.Int64

		mu      sync.Mutex
		claimed = make(map[string]*assetClaim)
	)
	total := len(jobs)

	// claim returns the entry for hash and whether the caller owns it.
	claim := func(hash string) (*assetClaim, bool) {
		mu.Lock()
		defer mu.Unlock()
		if cl, ok := claimed[hash]; ok {
			return cl, false
		}
		cl := &assetClaim{done: make(chan struct{})}
		claimed[hash] = cl
		return cl, true
	}

	finish := func() {
		n := int(completed.Add(1))
		if n%progressEvery == 0 || n == total {
			c.reportProgress(n, total)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for range min(c.concurrency, max(total, 1)) {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				i := int(cursor.Add(1) - 1)
				if i >= total {
					return nil
				}
				job := jobs[i]

				cl, owner := claim(job.obj.Hash)
				if !owner {
					select {
					case <-cl.done:
					case <-ctx.Done():
						return ctx.Err()
					}
					if cl.err != nil {
						failed.Add(1)
					} else {
						skipped.Add(1)
					}
					finish()
					continue
				}

				fetched, err := c.fetchAsset(ctx, objectsDir, job.obj)
				cl.err = err
				close(cl.done)
				switch {
				case err != nil:
					failed.Add(1)
					c.logger.Warn("asset download failed", "asset", job.name, "hash", job.obj.Hash, "error", err)
				case fetched:
					downloaded.Add(1)
				default:
					skipped.Add(1)
				}
				finish()
			}
		})
	}
	err := g.Wait()

	counts := Counts{
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
	if err != nil {
		return counts, fmt.Errorf("downloading assets: %w", err)
	}
	return counts, nil
}

func (c *Coordinator) fetchAsset(ctx context.Context, objectsDir string, obj AssetObject) (bool, error) {
	if len(obj.Hash) < 3 || strings.ContainsAny(obj.Hash, `/\.`) {
		return false, fmt.Errorf("invalid asset hash %q", obj.Hash)
	}
	prefix := obj.Hash[:2]
	dest := filepath.Join(objectsDir, prefix, obj.Hash)
	url := c.resourcesBase + "/" + prefix + "/" + obj.Hash
	return c.FetchWithVerification(ctx, url, dest, obj.Hash)
}

func (c *Coordinator) reportProgress(done, total int) {
	c.logger.Info("asset progress", "done", done, "total", total)
	if c.progress != nil {
		c.progress(done, total)
	}
}
