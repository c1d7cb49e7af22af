// Package download installs vanilla client bundles from a launcher
// manifest: the client binary, libraries, native libraries, the version
// descriptor and the shared asset objects.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// maxJSONBytes bounds manifest, descriptor and asset index responses.
const maxJSONBytes = 10 << 20

// ErrVersionNotFound is returned when the manifest has no entry for a version.
var ErrVersionNotFound = errors.New("version not found in manifest")

// Manifest is the top-level version list.
type Manifest struct {
	Latest struct {
		Release  string `json:"release"`
		Snapshot string `json:"snapshot"`
	} `json:"latest"`
	Versions []ManifestEntry `json:"versions"`
}

// ManifestEntry points at one version descriptor.
type ManifestEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
	SHA1 string `json:"sha1"`
}

// Artifact is a downloadable file with its expected hash.
type Artifact struct {
	Path string `json:"path,omitempty"`
	SHA1 string `json:"sha1"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// AssetIndexRef describes the asset index a version uses.
type AssetIndexRef struct {
	ID        string `json:"id"`
	SHA1      string `json:"sha1"`
	Size      int64  `json:"size"`
	TotalSize int64  `json:"totalSize"`
	URL       string `json:"url"`
}

// Library is one classpath entry of a version descriptor.
type Library struct {
	Name      string `json:"name"`
	Downloads struct {
		Artifact    *Artifact           `json:"artifact,omitempty"`
		Classifiers map[string]Artifact `json:"classifiers,omitempty"`
	} `json:"downloads"`
	Natives map[string]string `json:"natives,omitempty"`
	Rules   []Rule            `json:"rules,omitempty"`
}

// VersionDescriptor is the per-version document. Raw holds the bytes as
// served so they can be written out unchanged.
type VersionDescriptor struct {
	ID          string `json:"id"`
	MainClass   string `json:"mainClass"`
	JavaVersion struct {
		Component    string `json:"component"`
		MajorVersion int    `json:"majorVersion"`
	} `json:"javaVersion"`
	AssetIndex AssetIndexRef `json:"assetIndex"`
	Downloads  struct {
		Client Artifact `json:"client"`
	} `json:"downloads"`
	Libraries []Library `json:"libraries"`

	Raw []byte `json:"-"`
}

// AssetObject is one entry of an asset index.
type AssetObject struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// AssetIndex maps logical asset names to content-addressed objects.
type AssetIndex struct {
	Objects map[string]AssetObject `json:"objects"`
}

// FetchManifest downloads and decodes the version manifest.
func (c *Coordinator) FetchManifest(ctx context.Context) (*Manifest, error) {
	data, err := c.getJSON(ctx, c.manifestURL, "")
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// ResolveManifest finds version in the manifest and fetches its descriptor.
// "latest" and "latest-release" resolve to the newest release.
func (c *Coordinator) ResolveManifest(ctx context.Context, version string) (*VersionDescriptor, error) {
	m, err := c.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := m.Find(version)
	if err != nil {
		return nil, err
	}

	data, err := c.getJSON(ctx, entry.URL, entry.SHA1)
	if err != nil {
		return nil, fmt.Errorf("fetching descriptor for %s: %w", entry.ID, err)
	}

	var desc VersionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("decoding descriptor for %s: %w", entry.ID, err)
	}
	if desc.ID == "" {
		desc.ID = entry.ID
	}
	desc.Raw = data
	return &desc, nil
}

// Find returns the entry for version. "latest" and "latest-release" use
// the manifest's latest release, or the highest release id when that
// field is empty.
func (m *Manifest) Find(version string) (*ManifestEntry, error) {
	if version == "latest" || version == "latest-release" {
		version = m.Latest.Release
		if version == "" {
			version = m.highestRelease()
		}
		if version == "" {
			return nil, fmt.Errorf("%w: manifest names no latest release", ErrVersionNotFound)
		}
	}

	for i := range m.Versions {
		if m.Versions[i].ID == version {
			return &m.Versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

func (m *Manifest) highestRelease() string {
	var ids []string
	for _, v := range m.Versions {
		if v.Type == "release" && semver.IsValid(canonical(v.ID)) {
			ids = append(ids, v.ID)
		}
	}
	SortVersions(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// SortVersions orders game version strings ascending. Ids that are not
// dotted release numbers sort after the ones that are, alphabetically.
func SortVersions(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		ca, cb := canonical(a), canonical(b)
		va, vb := semver.IsValid(ca), semver.IsValid(cb)
		switch {
		case va && vb:
			if n := semver.Compare(ca, cb); n != 0 {
				return n
			}
			return strings.Compare(a, b)
		case va:
			return -1
		case vb:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
}

func canonical(id string) string {
	if !strings.HasPrefix(id, "v") {
		id = "v" + id
	}
	return id
}

// getJSON reads a bounded JSON document and checks it against expectedHash
// when one is given.
func (c *Coordinator) getJSON(ctx context.Context, url, expectedHash string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if expectedHash != "" {
		if err := verifyBytes(data, expectedHash, url); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// get issues a GET and fails on any status other than 200.
func (c *Coordinator) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("requesting %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp, nil
}
