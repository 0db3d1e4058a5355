// Package update installs newer farmhand CLI builds published as GitHub
// releases. Downloads are verified against the release's checksums.txt.
package update

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/mod/semver"
)

const (
	owner        = "acurioustractor"
	repo         = "farmhand"
	checksumFile = "checksums.txt"
)

// ErrChecksum is returned when a download does not match its published digest.
var ErrChecksum = errors.New("checksum mismatch")

// Release is a newer CLI build for this platform.
type Release struct {
	Tag         string
	Asset       string
	URL         string
	ChecksumURL string
}

// Updater finds and installs CLI releases.
type Updater struct {
	Current string
	APIBase string // https://api.github.com unless overridden
	GOOS    string
	GOARCH  string

	client *retryablehttp.Client
}

// New returns an Updater for a binary built at version current.
func New(current string) *Updater {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	c.HTTPClient.Timeout = 2 * time.Minute
	return &Updater{
		Current: current,
		APIBase: "https://api.github.com",
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		client:  c,
	}
}

type ghRelease struct {
	Tag    string `json:"tag_name"`
	Draft  bool   `json:"draft"`
	Assets []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// Latest returns the newest release if it is newer than Current, or nil.
// Development builds never update.
func (u *Updater) Latest(ctx context.Context) (*Release, error) {
	cur := canonical(u.Current)
	if cur == "" {
		return nil, nil
	}

	var rel ghRelease
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases/latest", strings.TrimRight(u.APIBase, "/"), owner, repo)
	if err := u.getJSON(ctx, endpoint, &rel); err != nil {
		return nil, err
	}
	tag := canonical(rel.Tag)
	if rel.Draft || tag == "" || semver.Compare(tag, cur) <= 0 {
		return nil, nil
	}

	out := &Release{Tag: rel.Tag}
	for _, a := range rel.Assets {
		switch {
		case a.Name == checksumFile:
			out.ChecksumURL = a.URL
		case out.URL == "" && u.matches(a.Name):
			out.Asset, out.URL = a.Name, a.URL
		}
	}
	if out.URL == "" {
		return nil, fmt.Errorf("release %s has no farmhand build for %s/%s", rel.Tag, u.GOOS, u.GOARCH)
	}
	if out.ChecksumURL == "" {
		return nil, fmt.Errorf("release %s has no %s", rel.Tag, checksumFile)
	}
	return out, nil
}

// canonical turns "1.2.0" or "v1.2.0" into a valid semver string, or "" for
// builds such as "dev".
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// matches reports whether an asset name is the CLI (not the daemon) for the
// target platform. Release archives use x86_64 for amd64.
func (u *Updater) matches(name string) bool {
	name = strings.ToLower(name)
	prefix, _, ok := strings.Cut(name, "_")
	if !ok || prefix != "farmhand" {
		return false
	}
	arch := u.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	return strings.Contains(name, "_"+u.GOOS+"_") && strings.Contains(name, arch)
}

// Install replaces the running executable with rel.
func (u *Updater) Install(ctx context.Context, rel *Release) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if exe, err = filepath.EvalSymlinks(exe); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return u.installTo(ctx, rel, exe)
}

// installTo verifies the download before renaming it over dest. The temp
// file lives next to dest so the rename stays on one filesystem.
func (u *Updater) installTo(ctx context.Context, rel *Release, dest string) error {
	want, err := u.digest(ctx, rel)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".farmhand-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	body, err := u.get(ctx, rel.URL)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), body)
	body.Close() //nolint:errcheck
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", rel.Asset, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s is %s, release lists %s", ErrChecksum, rel.Asset, got, want)
	}

	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("replace %s: %w", dest, err)
	}
	return nil
}

// digest reads the asset's sha256 from checksums.txt ("<hex>  <name>" lines).
func (u *Updater) digest(ctx context.Context, rel *Release) (string, error) {
	body, err := u.get(ctx, rel.ChecksumURL)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	sc := bufio.NewScanner(body)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && strings.TrimPrefix(fields[1], "*") == rel.Asset {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", checksumFile, err)
	}
	return "", fmt.Errorf("%s does not list %s", checksumFile, rel.Asset)
}

func (u *Updater) getJSON(ctx context.Context, url string, v any) error {
	body, err := u.get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (u *Updater) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "farmhand/"+u.Current)
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
