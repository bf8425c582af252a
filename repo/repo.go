package repo

import (
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/cache"
	"github.com/localmesh/orgateway/store"
)

// Repository is the only mutator of persisted state. It wraps the Store
// (C1) and the gateway's two named caches (C3), consulting cache on the
// read paths the spec names (profile-by-id, profile-list, model-list)
// and invalidating on the matching write paths. It also owns the uploads
// root for document blobs.
type Repository struct {
	store      *store.Store
	caches     *cache.Caches
	uploadsDir string
	log        zerolog.Logger
}

// New builds a Repository over an opened Store and the gateway's cache
// set. uploadsDir is resolved to an absolute path once so document path
// checks compare against a stable root.
func New(s *store.Store, caches *cache.Caches, uploadsDir string, log zerolog.Logger) *Repository {
	abs, err := filepath.Abs(uploadsDir)
	if err != nil {
		abs = uploadsDir
	}
	return &Repository{store: s, caches: caches, uploadsDir: abs, log: log}
}

func newID() string {
	return uuid.NewString()
}

const profileListCacheKey = "profile:__list__"

func profileCacheKey(id int64) string {
	return "profile:" + strconv.FormatInt(id, 10)
}

const modelListCacheKey = "model:__list__"
