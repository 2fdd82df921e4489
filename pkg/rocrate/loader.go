package rocrate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

const maxCrateSize = 64 << 20

// Loader fetches crates from http(s) URLs, local directories and zip files.
type Loader struct {
	http *retryablehttp.Client
}

func NewLoader(client *retryablehttp.Client) *Loader {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &Loader{http: client}
}

var _ interfaces.CrateLoader = (*Loader)(nil)

// LoadSuites returns the valid suites of the crate of version.
func (l *Loader) LoadSuites(ctx context.Context, version *model.WorkflowVersion) ([]*model.TestSuite, error) {
	crate, err := l.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	if crate.Invalid != nil {
		ctxlog.From(ctx).Warn("skipped invalid test suites",
			slog.String("version", version.ID),
			slog.Any("error", crate.Invalid.ErrorOrNil()),
		)
	}
	return crate.Suites, nil
}

func (l *Loader) Load(ctx context.Context, version *model.WorkflowVersion) (*Crate, error) {
	data, err := l.metadata(ctx, version)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load crate",
			goerr.V("version", version.ID),
			goerr.V("uri", version.CrateURI),
		)
	}
	return Parse(data, version.ID)
}

func (l *Loader) metadata(ctx context.Context, version *model.WorkflowVersion) ([]byte, error) {
	u, err := url.Parse(version.CrateURI)
	if err != nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(err)
	}

	switch u.Scheme {
	case "http", "https":
		data, err := l.fetch(ctx, version.CrateURI, version.AuthHint)
		if err != nil {
			return nil, err
		}
		if isZip(data) {
			return fromZip(data)
		}
		return data, nil

	case "file":
		return fromPath(u.Path)

	case "":
		return fromPath(version.CrateURI)

	default:
		return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("unsupported crate scheme"),
			goerr.V("scheme", u.Scheme))
	}
}

func (l *Loader) fetch(ctx context.Context, target, authHint string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create crate request")
	}
	if authHint != "" {
		req.Header.Set("Authorization", authHint)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch crate")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrEntityNotFound.Wrap(goerr.New("crate not found"), goerr.V("url", target))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.ErrNotAuthorized.Wrap(goerr.New("crate access denied"), goerr.V("url", target))
	case resp.StatusCode >= 300:
		return nil, goerr.New("unexpected crate response", goerr.V("status", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCrateSize))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read crate")
	}
	return data, nil
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

func fromPath(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrEntityNotFound.Wrap(err, goerr.V("path", p))
		}
		return nil, goerr.Wrap(err, "failed to stat crate", goerr.V("path", p))
	}
	if info.IsDir() {
		p = filepath.Join(p, MetadataFile)
	}

	data, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrSpecificationNotValid.Wrap(err, goerr.V("path", p))
		}
		return nil, goerr.Wrap(err, "failed to read crate", goerr.V("path", p))
	}
	if isZip(data) {
		return fromZip(data)
	}
	return data, nil
}

// fromZip returns the shallowest metadata file of the archive, so crates
// zipped together with their top level directory are accepted.
func fromZip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(err)
	}

	var found *zip.File
	depth := -1
	for _, f := range zr.File {
		if path.Base(f.Name) != MetadataFile {
			continue
		}
		d := strings.Count(strings.Trim(f.Name, "/"), "/")
		if found == nil || d < depth {
			found, depth = f, d
		}
	}
	if found == nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(goerr.New("archive has no crate metadata"))
	}

	rc, err := found.Open()
	if err != nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(err, goerr.V("file", found.Name))
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, maxCrateSize))
	if err != nil {
		return nil, domain.ErrSpecificationNotValid.Wrap(err, goerr.V("file", found.Name))
	}
	return out, nil
}
