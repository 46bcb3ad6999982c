// Package meta loads workflow definitions and engine configuration documents
// from any storage backend supported by the afs abstraction (file, mem, s3,
// gs).  Documents are YAML; ${env.KEY} expressions are expanded from the
// process environment before decoding.
package meta

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"

	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/model/types"
)

var envExpr = regexp.MustCompile(`\$\{env\.([A-Za-z0-9_]*)}`)

// Service loads metadata documents relative to a base URL.
type Service struct {
	fs      afs.Service
	baseURL string
}

// New creates a metadata service rooted at baseURL; an empty base resolves
// URLs as given.
func New(baseURL string) *Service {
	return &Service{fs: afs.New(), baseURL: baseURL}
}

// Load reads, expands and decodes the YAML document at URL into target.
func (s *Service) Load(ctx context.Context, URL string, target interface{}) error {
	if s.baseURL != "" && !strings.Contains(URL, "://") {
		URL = url.Join(s.baseURL, URL)
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return err
	}
	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return types.NewValidationError("invalid document %s: %v", URL, err)
	}
	return nil
}

// LoadDefinition loads and validates a workflow definition document.
func (s *Service) LoadDefinition(ctx context.Context, URL string) (*model.Definition, error) {
	def := &model.Definition{}
	if err := s.Load(ctx, URL, def); err != nil {
		return nil, err
	}
	if issues := def.Validate(); len(issues) > 0 {
		return nil, types.NewValidationError("invalid definition %s: %v", URL, issues)
	}
	return def, nil
}

// expandEnv replaces every ${env.KEY} with the value of the environment
// variable KEY, or the empty string when unset.
func expandEnv(value string) string {
	return envExpr.ReplaceAllStringFunc(value, func(match string) string {
		key := envExpr.FindStringSubmatch(match)[1]
		return os.Getenv(key)
	})
}
