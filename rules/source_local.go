package rules

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const ruleFileExt = ".json"

// LocalSource reads rule definitions from *.json files under a root
// directory. The rule id is the path relative to the root with the extension
// stripped and separators normalized to "/".
type LocalSource struct {
	root   string
	logger zerolog.Logger
}

// NewLocalSource creates a filesystem-backed source rooted at dir.
func NewLocalSource(dir string, logger zerolog.Logger) (*LocalSource, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, configErr("rules directory %q: %v", dir, err)
	}
	return &LocalSource{
		root:   root,
		logger: logger.With().Str("component", "local-source").Logger(),
	}, nil
}

// Root returns the absolute root directory.
func (s *LocalSource) Root() string {
	return s.root
}

// ListAll walks the root recursively. Files that cannot be read or parsed
// are logged and skipped.
func (s *LocalSource) ListAll(ctx context.Context) ([]RuleDocument, error) {
	if err := s.checkRoot("list"); err != nil {
		return nil, err
	}

	var docs []RuleDocument
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}

		doc, err := s.ReadDocument(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable rule file")
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, sourceErr(ErrSourceUnavailable, "list", "", err)
	}

	s.logger.Debug().Int("count", len(docs)).Msg("listed local rules")
	return docs, nil
}

// FetchOne reads the file backing id.
func (s *LocalSource) FetchOne(ctx context.Context, id string) (RuleDocument, error) {
	if err := s.checkRoot("fetch"); err != nil {
		return RuleDocument{}, err
	}

	path, ok := s.PathFor(id)
	if !ok {
		return RuleDocument{}, sourceErr(ErrRuleNotFound, "fetch", id, nil)
	}

	doc, err := s.ReadDocument(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RuleDocument{}, sourceErr(ErrRuleNotFound, "fetch", id, nil)
		}
		return RuleDocument{}, err
	}
	return doc, nil
}

// RuleID maps an absolute file path under the root to a rule id.
func (s *LocalSource) RuleID(path string) (string, bool) {
	if !isRuleFile(path) {
		return "", false
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return filepath.ToSlash(rel), true
}

// PathFor maps a rule id to its file path. It rejects ids that would escape
// the root.
func (s *LocalSource) PathFor(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	path := filepath.Join(s.root, filepath.FromSlash(id)+ruleFileExt)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path, true
}

// ReadDocument reads and parses one rule file.
func (s *LocalSource) ReadDocument(path string) (RuleDocument, error) {
	id, ok := s.RuleID(path)
	if !ok {
		return RuleDocument{}, sourceErr(ErrSourceBadResponse, "read", path, errors.New("not a rule file under the root"))
	}

	info, err := os.Stat(path)
	if err != nil {
		return RuleDocument{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return RuleDocument{}, err
	}

	doc, err := documentFromContent(RuleMetadata{ID: id, LastModified: info.ModTime()}, content)
	if err != nil {
		return RuleDocument{}, sourceErr(ErrSourceBadResponse, "read", id, err)
	}
	return doc, nil
}

func (s *LocalSource) checkRoot(op string) error {
	info, err := os.Stat(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sourceErr(ErrSourceNotFound, op, "", err)
		}
		return sourceErr(ErrSourceUnavailable, op, "", err)
	}
	if !info.IsDir() {
		return sourceErr(ErrSourceNotFound, op, "", errors.New(s.root+" is not a directory"))
	}
	return nil
}

// isRuleFile matches the exact extension so that every listed id maps back
// to its file through PathFor.
func isRuleFile(path string) bool {
	return filepath.Ext(path) == ruleFileExt
}
