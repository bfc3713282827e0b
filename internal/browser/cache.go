package browser

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// cacheDirPrefix is the name prefix of the directories the recycler creates
// under the OS temp root. Destroy deletes them by path (the queue and each
// instance's cacheDir), not by matching this prefix.
const cacheDirPrefix = "puppeteer_disk_cache-"

// diskCacheRecycler is a FIFO of directory paths holding Chromium disk
// caches, refilled when a browser is killed and drained when a new one is
// launched. Callers must hold the owning Pool's mutex.
type diskCacheRecycler struct {
	queue []string
	log   zerolog.Logger
}

func newDiskCacheRecycler(log zerolog.Logger) *diskCacheRecycler {
	return &diskCacheRecycler{log: log}
}

// take removes and returns the oldest recycled path, if any.
func (r *diskCacheRecycler) take() (string, bool) {
	if len(r.queue) == 0 {
		return "", false
	}
	path := r.queue[0]
	r.queue = r.queue[1:]
	return path, true
}

// put enqueues path for reuse by a future launch.
func (r *diskCacheRecycler) put(path string) {
	if path == "" {
		return
	}
	r.queue = append(r.queue, path)
}

// fresh creates a brand new, uniquely named cache directory.
func (r *diskCacheRecycler) fresh() (string, error) {
	return os.MkdirTemp("", cacheDirPrefix)
}

// drain deletes every remaining queued directory, logging and swallowing
// deletion errors.
func (r *diskCacheRecycler) drain() {
	for _, path := range r.queue {
		r.remove(path)
	}
	r.queue = nil
}

func (r *diskCacheRecycler) remove(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("failed to delete browser disk cache directory")
	}
}

// cacheDirArg renders the launch argument that points Chromium at path.
func cacheDirArg(path string) string {
	return fmt.Sprintf("disk-cache-dir=%s", filepath.Clean(path))
}
