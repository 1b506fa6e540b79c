// Package payload resolves where the bytes of an incoming section come from: a local
// path, a file:// URL or a remote http(s) URL.
package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// ErrUnexpectedStatus is wrapped when a remote payload answers with a non 2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// Provider ...
type Provider struct {
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	httpClient   *retryablehttp.Client
	logger       log.Logger
}

// NewProvider ...
func NewProvider(logger log.Logger) *Provider {
	return NewProviderWithClient(retryhttp.NewClient(logger), logger)
}

// NewProviderWithClient uses client for remote payloads.
func NewProviderWithClient(client *retryablehttp.Client, logger log.Logger) *Provider {
	client.CheckRetry = createCustomRetryFunction(logger)
	return &Provider{
		fileManager:  fileutil.NewFileManager(),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		httpClient:   client,
		logger:       logger,
	}
}

// Open returns a stream of src. Remote sources are fetched with retries, local ones are
// opened in place. The caller closes the returned reader.
func (p *Provider) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	if isRemote(src) {
		return p.openRemote(ctx, src)
	}

	pth, err := p.localPath(src)
	if err != nil {
		return nil, err
	}
	f, err := p.fileManager.Open(pth)
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", pth, err)
	}
	return f, nil
}

// LocalPath returns a path on the local disk holding the content of src. Remote sources
// are downloaded into a new temporary directory.
func (p *Provider) LocalPath(ctx context.Context, src string) (string, error) {
	if !isRemote(src) {
		return p.localPath(src)
	}

	tmpDir, err := p.pathProvider.CreateTempDir("chunk-payload")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	fileName, err := fileNameFromURL(src)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", src, err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	p.logger.Debugf("Downloading %s to %s", src, localPath)

	downloader := got.New()
	downloader.Client = p.httpClient.StandardClient()
	if err := downloader.Do(got.NewDownload(ctx, src, localPath)); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", src, err)
	}

	return localPath, nil
}

func (p *Provider) openRemote(ctx context.Context, src string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", src, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload %s: %w", src, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch payload %s: %w: %d", src, ErrUnexpectedStatus, resp.StatusCode)
	}

	return resp.Body, nil
}

func (p *Provider) localPath(src string) (string, error) {
	pth := strings.TrimPrefix(src, fileScheme)
	if pth == "" {
		return "", fmt.Errorf("empty payload path")
	}
	return p.pathModifier.AbsPath(pth)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry {
			logger.Debugf("Retrying payload request: %v", err)
		}
		return retry, checkErr
	}
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func fileNameFromURL(src string) (string, error) {
	parsed, err := url.Parse(src)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		return "payload", nil
	}
	return name, nil
}
