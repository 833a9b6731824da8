// Package downloads describes the CLI builds offered on the download page.
package downloads

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultVersion = "v1.1"
	releaseBaseURL = "https://github.com/gamkers/FlawHunt_CLI/releases/download/"
)

// Build is one downloadable artifact.
type Build struct {
	Platform    string `json:"platform"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Asset       string `json:"asset,omitempty"`
	URL         string `json:"url"`
	Size        string `json:"size"`
	ComingSoon  bool   `json:"coming_soon"`
}

// Catalog is the download page payload.
type Catalog struct {
	LatestVersion string  `json:"latest_version"`
	Builds        []Build `json:"builds"`
}

// StaticCatalog is the catalog shipped with the server.
func StaticCatalog() Catalog {
	return Catalog{
		LatestVersion: defaultVersion,
		Builds: []Build{
			{Platform: "Windows", Description: "Windows 10/11 (x64)", Version: defaultVersion, URL: "#", Size: "Coming Soon", ComingSoon: true},
			{Platform: "macOS", Description: "macOS 10.15+ (Universal)", Version: defaultVersion, Asset: "flawhunt-cli-macos.zip", URL: releaseBaseURL + defaultVersion + "/flawhunt-cli-macos.zip", Size: "Available"},
			{Platform: "Linux", Description: "Ubuntu/Debian/CentOS", Version: defaultVersion, Asset: "flawhunt-cli-linux.zip", URL: releaseBaseURL + defaultVersion + "/flawhunt-cli-linux.zip", Size: "Available"},
			{Platform: "Android (Termux)", Description: "Android 7.0+ via Termux", Version: defaultVersion, URL: "#", Size: "Coming Soon", ComingSoon: true},
		},
	}
}

// ReleaseFetcher looks up the latest published release.
type ReleaseFetcher interface {
	LatestRelease(ctx context.Context) (*Release, error)
}

// Service serves the catalog, overlaying the latest release when one can
// be fetched. Lookups are cached for ttl, failed ones included, and
// concurrent lookups share a single upstream request.
type Service struct {
	fetcher ReleaseFetcher
	ttl     time.Duration
	logger  *zap.Logger
	group   singleflight.Group

	mu        sync.Mutex
	cached    Catalog
	fetchedAt time.Time
	now       func() time.Time
}

// NewService creates a service. A nil fetcher serves StaticCatalog only.
func NewService(fetcher ReleaseFetcher, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{fetcher: fetcher, ttl: ttl, logger: logger, now: time.Now}
}

// Catalog returns the current catalog. It never fails; when a fetch fails
// the last good catalog is served, or the static one before any success.
func (s *Service) Catalog(ctx context.Context) Catalog {
	if s.fetcher == nil {
		return StaticCatalog()
	}
	if c, ok := s.fresh(); ok {
		return c
	}

	v, _, _ := s.group.Do("latest", func() (interface{}, error) {
		if c, ok := s.fresh(); ok {
			return c, nil
		}
		return s.refresh(ctx), nil
	})
	return v.(Catalog)
}

func (s *Service) fresh() (Catalog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.cached, true
	}
	return Catalog{}, false
}

// refresh runs the upstream request without holding mu.
func (s *Service) refresh(ctx context.Context) Catalog {
	rel, err := s.fetcher.LatestRelease(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchedAt = s.now()
	if err != nil {
		if s.cached.Builds == nil {
			s.cached = StaticCatalog()
		}
		s.logger.Warn("Failed to fetch latest release, serving last known catalog",
			zap.String("version", s.cached.LatestVersion), zap.Error(err))
		return s.cached
	}

	s.cached = Merge(StaticCatalog(), rel)
	return s.cached
}

// Merge points catalog builds at the matching assets of rel.
func Merge(catalog Catalog, rel *Release) Catalog {
	if rel == nil {
		return catalog
	}
	assets := make(map[string]string, len(rel.Assets))
	for _, a := range rel.Assets {
		assets[a.Name] = a.DownloadURL
	}

	builds := make([]Build, len(catalog.Builds))
	copy(builds, catalog.Builds)
	for i, b := range builds {
		if b.Asset == "" {
			continue
		}
		if url, ok := assets[b.Asset]; ok {
			builds[i].URL = url
			builds[i].Version = rel.TagName
		}
	}
	catalog.Builds = builds
	if rel.TagName != "" {
		catalog.LatestVersion = rel.TagName
	}
	return catalog
}
